package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaymux/relaymux/internal/channel"
)

// Backlog retains recently published events for subscriber replay. Entries
// are keyed by the router-assigned sequence number and bounded in count;
// anything pushed out of the window is gone and shows up as a gap.
type Backlog interface {
	Append(ctx context.Context, ev channel.InboundEvent) error
	// ReplayAfter returns every retained event with Seq > fromSeq, oldest
	// first. When fromSeq falls before the retained window, covered is false
	// and the caller must report a gap instead of a partial replay.
	ReplayAfter(ctx context.Context, fromSeq uint64) (events []channel.InboundEvent, covered bool, err error)
	// Bounds reports the oldest and newest retained sequence; both zero when
	// empty.
	Bounds(ctx context.Context) (oldest, newest uint64, err error)
	Close() error
}

// MemoryBacklog is a fixed-size ring over the event stream.
type MemoryBacklog struct {
	mu     sync.Mutex
	buf    []channel.InboundEvent
	size   int
	start  int
	count  int
	oldest uint64
	newest uint64
}

func NewMemoryBacklog(size int) *MemoryBacklog {
	if size <= 0 {
		size = 4096
	}
	return &MemoryBacklog{buf: make([]channel.InboundEvent, size), size: size}
}

func (b *MemoryBacklog) Append(ctx context.Context, ev channel.InboundEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == b.size {
		b.start = (b.start + 1) % b.size
		b.count--
		b.oldest = b.buf[b.start].Seq
	}
	b.buf[(b.start+b.count)%b.size] = ev
	b.count++
	b.newest = ev.Seq
	b.oldest = b.buf[b.start].Seq
	return nil
}

func (b *MemoryBacklog) ReplayAfter(ctx context.Context, fromSeq uint64) ([]channel.InboundEvent, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		// Nothing retained: covered only if the caller is already current.
		return nil, fromSeq >= b.newest, nil
	}
	if fromSeq+1 < b.oldest {
		return nil, false, nil
	}
	var out []channel.InboundEvent
	for i := 0; i < b.count; i++ {
		ev := b.buf[(b.start+i)%b.size]
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out, true, nil
}

func (b *MemoryBacklog) Bounds(ctx context.Context) (uint64, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, 0, nil
	}
	return b.oldest, b.newest, nil
}

func (b *MemoryBacklog) Close() error { return nil }

// NewBacklog builds the configured backlog driver.
func NewBacklog(driver string, size int, path string) (Backlog, error) {
	switch driver {
	case "", "memory":
		return NewMemoryBacklog(size), nil
	case "sqlite":
		return NewSQLiteBacklog(path, size)
	default:
		return nil, fmt.Errorf("unknown backlog driver %q", driver)
	}
}
