package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/singleflight"

	"github.com/relaymux/relaymux/internal/channel"
)

// DefaultMaxAssetBytes caps a single fetched payload.
const DefaultMaxAssetBytes int64 = 64 * 1024 * 1024

// Pipeline fetches attachment bytes from source adapters into the cache.
// Concurrent fetches for the same attachment collapse into one in-flight
// operation.
type Pipeline struct {
	logger   *slog.Logger
	cache    *Cache
	registry *channel.Registry
	maxBytes int64
	group    singleflight.Group
}

func NewPipeline(log *slog.Logger, cache *Cache, registry *channel.Registry, maxBytes int64) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAssetBytes
	}
	return &Pipeline{
		logger:   log.With(slog.String("component", "media")),
		cache:    cache,
		registry: registry,
		maxBytes: maxBytes,
	}
}

// Cache exposes the underlying store for read paths and pinning.
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// fetchKey is the singleflight collapse key. When the content hash is known
// up front it is the key; otherwise the source reference stands in until the
// bytes are hashed.
func fetchKey(att channel.Attachment) string {
	if h := strings.TrimSpace(att.ContentHash); h != "" {
		return h
	}
	return att.SourcePlatform.String() + "|" + att.Reference()
}

// Fetch resolves the attachment to cached bytes, returning the Ready asset.
// Cache hits short-circuit; misses stream through sha256 into a spool file,
// sniff the MIME, and admit the result.
func (p *Pipeline) Fetch(ctx context.Context, att channel.Attachment) (Asset, error) {
	if !att.HasReference() {
		return Asset{}, fmt.Errorf("attachment has no reference")
	}
	if h := strings.TrimSpace(att.ContentHash); h != "" {
		if asset, ok := p.cache.Get(h); ok {
			return asset, nil
		}
	}
	v, err, shared := p.group.Do(fetchKey(att), func() (any, error) {
		return p.fetch(ctx, att)
	})
	if err != nil {
		return Asset{}, err
	}
	if shared {
		p.logger.Debug("fetch collapsed into in-flight operation",
			slog.String("key", fetchKey(att)),
		)
	}
	return v.(Asset), nil
}

func (p *Pipeline) fetch(ctx context.Context, att channel.Attachment) (Asset, error) {
	// Re-check under the flight: a concurrent Fetch may have admitted it.
	if h := strings.TrimSpace(att.ContentHash); h != "" {
		if asset, ok := p.cache.Get(h); ok {
			return asset, nil
		}
	}
	resolver, ok := p.registry.GetAttachmentResolver(att.SourcePlatform)
	if !ok {
		return Asset{}, fmt.Errorf("channel %s: %w", att.SourcePlatform, ErrNoResolver)
	}
	payload, err := resolver.ResolveAttachment(ctx, att)
	if err != nil {
		return Asset{}, fmt.Errorf("resolve attachment: %w", err)
	}
	defer payload.Reader.Close()

	hash, size, tempPath, err := spoolAndHashWithLimit(payload.Reader, p.maxBytes)
	if err != nil {
		return Asset{}, fmt.Errorf("spool attachment: %w", err)
	}
	if asset, ok := p.cache.Get(hash); ok {
		os.Remove(tempPath)
		return asset, nil
	}

	mime := sniffMime(tempPath, payload.Mime)
	name := payload.Name
	if name == "" {
		name = att.Name
	}
	asset, err := p.cache.Put(hash, tempPath, mime, name, size)
	if err != nil {
		os.Remove(tempPath)
		return Asset{}, err
	}
	p.logger.Info("attachment cached",
		slog.String("hash", hash),
		slog.String("mime", mime),
		slog.Int64("size", size),
		slog.String("channel", att.SourcePlatform.String()),
	)
	return asset, nil
}

// sniffMime prefers content sniffing over the transport-declared type.
func sniffMime(path, declared string) string {
	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

// spoolAndHashWithLimit streams reader to a temp file while hashing, without
// buffering the payload in memory. Rejects payloads over maxBytes. On success
// the caller owns the temp file.
func spoolAndHashWithLimit(reader io.Reader, maxBytes int64) (string, int64, string, error) {
	if reader == nil {
		return "", 0, "", fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return "", 0, "", fmt.Errorf("max bytes must be greater than 0")
	}
	tempFile, err := os.CreateTemp("", "relaymux-media-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	keepFile := false
	defer func() {
		_ = tempFile.Close()
		if !keepFile {
			_ = os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	written, err := io.Copy(io.MultiWriter(tempFile, hasher), limited)
	if err != nil {
		return "", 0, "", fmt.Errorf("copy to temp file: %w", err)
	}
	if written > maxBytes {
		return "", 0, "", fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	if written == 0 {
		return "", 0, "", fmt.Errorf("asset payload is empty")
	}
	keepFile = true
	return hex.EncodeToString(hasher.Sum(nil)), written, tempPath, nil
}
