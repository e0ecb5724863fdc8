package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/relaymux/relaymux/internal/channel"
)

func TestHubFanOutRespectsFilter(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, NewMemoryBacklog(16), nil, Options{SubscriberQueue: 8})
	all := hub.newSubscriber(nil)
	tgOnly := hub.newSubscriber([]channel.ChannelType{channel.TypeTelegram})
	hub.register(all)
	hub.register(tgOnly)

	hub.Publish(seqEvent(1))
	ev2 := seqEvent(2)
	ev2.Channel = channel.TypeDiscord
	hub.Publish(ev2)

	if got := len(all.queue); got != 2 {
		t.Fatalf("unfiltered subscriber expected 2 frames, got %d", got)
	}
	if got := len(tgOnly.queue); got != 1 {
		t.Fatalf("filtered subscriber expected 1 frame, got %d", got)
	}
	f := <-tgOnly.queue
	if f.Type != FrameEvent || f.Seq != 1 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if hub.NewestSeq() != 2 {
		t.Fatalf("newest seq not tracked, got %d", hub.NewestSeq())
	}
}

func TestHubSlowSubscriberDropOldest(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, NewMemoryBacklog(16), nil, Options{
		SubscriberQueue: 2,
		SlowPolicy:      SlowDropOldest,
	})
	sub := hub.newSubscriber(nil)
	hub.register(sub)

	for seq := uint64(1); seq <= 5; seq++ {
		hub.Publish(seqEvent(seq))
	}
	if sub.dropped.Load() != 3 {
		t.Fatalf("expected 3 dropped frames, got %d", sub.dropped.Load())
	}
	// Queue holds the newest two; the backlog still covers the drop.
	first := <-sub.queue
	second := <-sub.queue
	if first.Seq != 4 || second.Seq != 5 {
		t.Fatalf("expected frames 4,5 after drops, got %d,%d", first.Seq, second.Seq)
	}
	events, covered, err := hub.backlog.ReplayAfter(t.Context(), 1)
	if err != nil || !covered || len(events) != 4 {
		t.Fatalf("dropped frames not recoverable from backlog: covered=%v len=%d err=%v",
			covered, len(events), err)
	}
}

func TestHubSlowSubscriberDisconnect(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, NewMemoryBacklog(16), nil, Options{
		SubscriberQueue: 1,
		SlowPolicy:      SlowDisconnect,
	})
	slow := hub.newSubscriber(nil)
	healthy := hub.newSubscriber(nil)
	hub.register(slow)
	hub.register(healthy)

	hub.Publish(seqEvent(1))
	// The healthy subscriber drains; the slow one never does.
	if f := <-healthy.queue; f.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", f.Seq)
	}
	hub.Publish(seqEvent(2))

	select {
	case <-slow.done:
	default:
		t.Fatalf("slow subscriber was not disconnected")
	}
	select {
	case <-healthy.done:
		t.Fatalf("healthy subscriber was disconnected")
	default:
	}
	if f := <-healthy.queue; f.Seq != 2 {
		t.Fatalf("healthy subscriber blocked by slow peer, got seq %d", f.Seq)
	}
}

func TestHubReplayServesGapFrameOutsideWindow(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, NewMemoryBacklog(3), nil, Options{SubscriberQueue: 16})
	for seq := uint64(1); seq <= 6; seq++ {
		hub.Publish(seqEvent(seq))
	}
	sub := hub.newSubscriber(nil)
	hub.register(sub)

	for len(sub.queue) > 0 {
		<-sub.queue
	}
	hub.replay(t.Context(), sub, 1)
	f := <-sub.queue
	if f.Type != FrameGap {
		t.Fatalf("expected gap frame, got %+v", f)
	}
	if f.FromSeq != 2 || f.ToSeq != 3 {
		t.Fatalf("gap range wrong: from=%d to=%d", f.FromSeq, f.ToSeq)
	}
	if f.Seq != 6 {
		t.Fatalf("gap frame should carry current seq, got %d", f.Seq)
	}
}

// racingBacklog publishes a live event to the hub in the middle of a replay
// read, after the snapshot was taken.
type racingBacklog struct {
	Backlog
	hub  *Hub
	once sync.Once
	live channel.InboundEvent
}

func (b *racingBacklog) ReplayAfter(ctx context.Context, fromSeq uint64) ([]channel.InboundEvent, bool, error) {
	events, covered, err := b.Backlog.ReplayAfter(ctx, fromSeq)
	b.once.Do(func() { b.hub.Publish(b.live) })
	return events, covered, err
}

func TestHubReplayHoldsLiveFramesUntilCutover(t *testing.T) {
	t.Parallel()

	backlog := &racingBacklog{Backlog: NewMemoryBacklog(16), live: seqEvent(4)}
	hub := NewHub(nil, backlog, nil, Options{SubscriberQueue: 16})
	backlog.hub = hub
	for seq := uint64(1); seq <= 3; seq++ {
		hub.Publish(seqEvent(seq))
	}
	sub := hub.newSubscriber(nil)
	hub.register(sub)

	// Seq 4 lands mid-replay. It must queue after the replayed 1..3, exactly
	// once, as a live frame.
	hub.replay(t.Context(), sub, 0)

	want := []struct {
		seq      uint64
		replayed bool
	}{{1, true}, {2, true}, {3, true}, {4, false}}
	for _, w := range want {
		select {
		case f := <-sub.queue:
			if f.Type != FrameEvent || f.Seq != w.seq || f.Replayed != w.replayed {
				t.Fatalf("expected seq %d (replayed=%v), got %+v", w.seq, w.replayed, f)
			}
		default:
			t.Fatalf("missing frame for seq %d", w.seq)
		}
	}
	if len(sub.queue) != 0 {
		t.Fatalf("replay cutover duplicated frames: %d extra", len(sub.queue))
	}
}

func TestHubReplayDiscardsParkedFramesAlreadyServed(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, NewMemoryBacklog(16), nil, Options{SubscriberQueue: 16})
	for seq := uint64(1); seq <= 2; seq++ {
		hub.Publish(seqEvent(seq))
	}
	sub := hub.newSubscriber(nil)
	hub.register(sub)

	// Seq 3 arrives before the replay snapshot: the backlog serves it, so the
	// parked live copy must be dropped at the cutover.
	sub.beginReplay()
	hub.Publish(seqEvent(3))
	hub.replay(t.Context(), sub, 0)

	var seqs []uint64
	for len(sub.queue) > 0 {
		seqs = append(seqs, (<-sub.queue).Seq)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("expected exactly 1,2,3 got %v", seqs)
	}
}

func TestHubReplayWithinWindow(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, NewMemoryBacklog(16), nil, Options{SubscriberQueue: 16})
	for seq := uint64(1); seq <= 5; seq++ {
		hub.Publish(seqEvent(seq))
	}
	sub := hub.newSubscriber(nil)
	hub.register(sub)

	hub.replay(t.Context(), sub, 3)
	for want := uint64(4); want <= 5; want++ {
		f := <-sub.queue
		if f.Type != FrameEvent || f.Seq != want || !f.Replayed {
			t.Fatalf("expected replayed event %d, got %+v", want, f)
		}
	}
	if len(sub.queue) != 0 {
		t.Fatalf("replay produced extra frames")
	}
}
