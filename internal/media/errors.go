package media

import "errors"

var (
	// ErrAssetNotFound indicates the requested asset is not in the cache.
	ErrAssetNotFound = errors.New("media asset not found")
	// ErrAssetTooLarge indicates the payload exceeds the configured max asset size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrCapacity indicates the transcode queue stayed full past the enqueue
	// timeout. Callers should back off rather than retry immediately.
	ErrCapacity = errors.New("transcode capacity exceeded")
	// ErrNoTranscoder indicates no operation is registered for the requested
	// MIME conversion.
	ErrNoTranscoder = errors.New("no transcoder for conversion")
	// ErrNoResolver indicates the source channel's adapter cannot resolve
	// attachment bytes.
	ErrNoResolver = errors.New("channel does not resolve attachments")
)
