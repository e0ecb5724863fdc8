package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaymux/relaymux/internal/channel"
)

type resolverAdapter struct {
	channelType channel.ChannelType
	data        []byte
	mime        string
	gate        chan struct{} // when set, ResolveAttachment blocks until closed
	resolves    atomic.Int64
	err         error
}

func (a *resolverAdapter) Type() channel.ChannelType { return a.channelType }

func (a *resolverAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.channelType}
}

func (a *resolverAdapter) Connect(ctx context.Context) (channel.Conn, error) {
	return nil, channel.ErrNotConnected
}

func (a *resolverAdapter) ResolveAttachment(ctx context.Context, att channel.Attachment) (channel.AttachmentPayload, error) {
	a.resolves.Add(1)
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return channel.AttachmentPayload{}, ctx.Err()
		}
	}
	if a.err != nil {
		return channel.AttachmentPayload{}, a.err
	}
	return channel.AttachmentPayload{
		Reader: io.NopCloser(bytes.NewReader(a.data)),
		Mime:   a.mime,
		Name:   "file.bin",
		Size:   int64(len(a.data)),
	}, nil
}

func newPipeline(t *testing.T, adapter channel.Adapter, maxBytes int64) *Pipeline {
	t.Helper()
	cache, err := NewCache(nil, t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	registry := channel.NewRegistry()
	registry.MustRegister(adapter)
	return NewPipeline(nil, cache, registry, maxBytes)
}

func attFor(ct channel.ChannelType) channel.Attachment {
	return channel.Attachment{
		SourcePlatform: ct,
		PlatformKey:    "file-123",
		Type:           channel.AttachmentImage,
	}
}

func TestPipelineFetchCachesAndSniffs(t *testing.T) {
	t.Parallel()

	// PNG magic so the sniffer has something real to detect.
	pngHeader := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 13, 'I', 'H', 'D', 'R'}
	adapter := &resolverAdapter{channelType: channel.TypeTelegram, data: pngHeader}
	p := newPipeline(t, adapter, 1<<20)

	asset, err := p.Fetch(context.Background(), attFor(channel.TypeTelegram))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if asset.State != StateReady || asset.Hash != hashOf(pngHeader) {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if asset.Mime != "image/png" {
		t.Fatalf("mime not sniffed from content: %s", asset.Mime)
	}

	// Second fetch hits the cache; the adapter is not consulted again.
	att := attFor(channel.TypeTelegram)
	att.ContentHash = asset.Hash
	if _, err := p.Fetch(context.Background(), att); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if n := adapter.resolves.Load(); n != 1 {
		t.Fatalf("expected 1 resolve, got %d", n)
	}
}

func TestPipelineConcurrentFetchesCollapse(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	adapter := &resolverAdapter{
		channelType: channel.TypeDiscord,
		data:        []byte("the same payload"),
		gate:        gate,
	}
	p := newPipeline(t, adapter, 1<<20)

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]Asset, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Fetch(context.Background(), attFor(channel.TypeDiscord))
		}(i)
	}
	// Let the goroutines pile up on the in-flight fetch, then release it.
	for adapter.resolves.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("fetch %d failed: %v", i, errs[i])
		}
		if results[i].Hash != results[0].Hash {
			t.Fatalf("fetch %d returned different asset", i)
		}
	}
	if n := adapter.resolves.Load(); n != 1 {
		t.Fatalf("expected exactly one resolve, got %d", n)
	}
}

func TestPipelineSizeLimit(t *testing.T) {
	t.Parallel()

	adapter := &resolverAdapter{channelType: channel.TypeSlack, data: bytes.Repeat([]byte("x"), 100)}
	p := newPipeline(t, adapter, 50)

	_, err := p.Fetch(context.Background(), attFor(channel.TypeSlack))
	if !errors.Is(err, ErrAssetTooLarge) {
		t.Fatalf("expected ErrAssetTooLarge, got %v", err)
	}
}

func TestPipelineNoResolver(t *testing.T) {
	t.Parallel()

	cache, err := NewCache(nil, t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	p := NewPipeline(nil, cache, channel.NewRegistry(), 1<<20)
	_, err = p.Fetch(context.Background(), attFor(channel.TypeWhatsApp))
	if !errors.Is(err, ErrNoResolver) {
		t.Fatalf("expected ErrNoResolver, got %v", err)
	}
}

func TestPipelineResolveFailure(t *testing.T) {
	t.Parallel()

	adapter := &resolverAdapter{channelType: channel.TypeTelegram, err: errors.New("download expired")}
	p := newPipeline(t, adapter, 1<<20)
	if _, err := p.Fetch(context.Background(), attFor(channel.TypeTelegram)); err == nil {
		t.Fatalf("expected resolve error")
	}
}
