package media

import (
	"context"

	"github.com/relaymux/relaymux/internal/channel"
)

// Resolver serves cached asset payloads to outbound delivery. When the
// requested MIME type differs from the stored one the bytes are re-encoded
// through the transcoder first, so a target platform never receives an
// encoding it cannot accept.
type Resolver struct {
	cache      *Cache
	transcoder *Transcoder
}

func NewResolver(cache *Cache, transcoder *Transcoder) *Resolver {
	return &Resolver{cache: cache, transcoder: transcoder}
}

// OpenAsset opens the cached payload for hash, re-encoded to targetMime when
// it differs from the stored type. The caller owns the reader.
func (r *Resolver) OpenAsset(ctx context.Context, hash, targetMime string) (channel.AttachmentPayload, error) {
	asset, ok := r.cache.Get(hash)
	if !ok {
		return channel.AttachmentPayload{}, ErrAssetNotFound
	}
	if targetMime != "" && targetMime != asset.Mime {
		if r.transcoder == nil {
			return channel.AttachmentPayload{}, ErrNoTranscoder
		}
		out, err := r.transcoder.Transcode(ctx, hash, targetMime)
		if err != nil {
			return channel.AttachmentPayload{}, err
		}
		hash = out.Hash
	}
	reader, asset, err := r.cache.Open(hash)
	if err != nil {
		return channel.AttachmentPayload{}, err
	}
	return channel.AttachmentPayload{
		Reader: reader,
		Mime:   asset.Mime,
		Name:   asset.Name,
		Size:   asset.Size,
	}, nil
}
