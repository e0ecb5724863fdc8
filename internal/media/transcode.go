package media

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Op converts a payload from one MIME type to another.
type Op func(dst io.Writer, src io.Reader) error

type opKey struct {
	from string
	to   string
}

type transcodeJob struct {
	hash   string
	target string
	result chan transcodeResult
}

type transcodeResult struct {
	asset Asset
	err   error
}

// TranscoderOptions tunes the worker pool.
type TranscoderOptions struct {
	Workers    int
	QueueDepth int
	// EnqueueWait bounds how long Transcode blocks on a full queue before
	// failing with ErrCapacity.
	EnqueueWait time.Duration
	MaxBytes    int64
}

func (o TranscoderOptions) withDefaults() TranscoderOptions {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 16
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 2 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxAssetBytes
	}
	return o
}

// Transcoder converts cached assets between MIME types with a bounded worker
// pool. A full queue pushes back on callers instead of growing without limit.
type Transcoder struct {
	logger *slog.Logger
	cache  *Cache
	opts   TranscoderOptions

	mu  sync.RWMutex
	ops map[opKey]Op

	queue     chan transcodeJob
	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewTranscoder(log *slog.Logger, cache *Cache, opts TranscoderOptions) *Transcoder {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	t := &Transcoder{
		logger: log.With(slog.String("component", "media.transcode")),
		cache:  cache,
		opts:   opts,
		ops:    map[opKey]Op{},
		queue:  make(chan transcodeJob, opts.QueueDepth),
	}
	t.registerBuiltins()
	return t
}

// RegisterOp installs a conversion. Later registrations replace earlier ones
// for the same pair.
func (t *Transcoder) RegisterOp(from, to string, op Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[opKey{from: from, to: to}] = op
}

func (t *Transcoder) lookupOp(from, to string) (Op, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[opKey{from: from, to: to}]
	return op, ok
}

func (t *Transcoder) registerBuiltins() {
	t.RegisterOp("image/png", "image/jpeg", func(dst io.Writer, src io.Reader) error {
		img, _, err := image.Decode(src)
		if err != nil {
			return fmt.Errorf("decode png: %w", err)
		}
		return jpeg.Encode(dst, img, &jpeg.Options{Quality: 85})
	})
	t.RegisterOp("image/jpeg", "image/png", func(dst io.Writer, src io.Reader) error {
		img, _, err := image.Decode(src)
		if err != nil {
			return fmt.Errorf("decode jpeg: %w", err)
		}
		return png.Encode(dst, img)
	})
}

func (t *Transcoder) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		for i := 0; i < t.opts.Workers; i++ {
			t.wg.Add(1)
			go t.runWorker(ctx)
		}
	})
}

// Shutdown waits for in-flight conversions, up to ctx's deadline.
func (t *Transcoder) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transcoder shutdown: %w", ctx.Err())
	}
}

// Transcode converts the cached asset to targetMime, returning the resulting
// cached asset. If the asset already has the target type it is returned
// unchanged. The source asset is pinned for the duration of the conversion.
func (t *Transcoder) Transcode(ctx context.Context, hash, targetMime string) (Asset, error) {
	asset, ok := t.cache.Get(hash)
	if !ok {
		return Asset{}, ErrAssetNotFound
	}
	if asset.Mime == targetMime {
		return asset, nil
	}
	if _, ok := t.lookupOp(asset.Mime, targetMime); !ok {
		return Asset{}, fmt.Errorf("%w: %s to %s", ErrNoTranscoder, asset.Mime, targetMime)
	}

	job := transcodeJob{hash: hash, target: targetMime, result: make(chan transcodeResult, 1)}
	wait := time.NewTimer(t.opts.EnqueueWait)
	defer wait.Stop()
	select {
	case t.queue <- job:
	case <-wait.C:
		return Asset{}, ErrCapacity
	case <-ctx.Done():
		return Asset{}, ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.asset, res.err
	case <-ctx.Done():
		return Asset{}, ctx.Err()
	}
}

func (t *Transcoder) runWorker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-t.queue:
			asset, err := t.convert(job.hash, job.target)
			job.result <- transcodeResult{asset: asset, err: err}
		}
	}
}

func (t *Transcoder) convert(hash, targetMime string) (Asset, error) {
	if err := t.cache.Pin(hash); err != nil {
		return Asset{}, err
	}
	defer t.cache.Unpin(hash)

	src, asset, err := t.cache.Open(hash)
	if err != nil {
		return Asset{}, err
	}
	defer src.Close()
	op, ok := t.lookupOp(asset.Mime, targetMime)
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s to %s", ErrNoTranscoder, asset.Mime, targetMime)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(op(pw, src))
	}()
	outHash, size, tempPath, err := spoolAndHashWithLimit(pr, t.opts.MaxBytes)
	if err != nil {
		return Asset{}, fmt.Errorf("transcode %s: %w", hash, err)
	}
	out, err := t.cache.Put(outHash, tempPath, targetMime, asset.Name, size)
	if err != nil {
		return Asset{}, err
	}
	t.logger.Info("asset transcoded",
		slog.String("from_hash", hash),
		slog.String("to_hash", out.Hash),
		slog.String("from_mime", asset.Mime),
		slog.String("to_mime", targetMime),
	)
	return out, nil
}
