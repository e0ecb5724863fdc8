package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymux/relaymux/internal/channel"
)

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint64
}

func (s *recordingSink) Publish(ev channel.InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, ev.Seq)
}

type recordingReplies struct {
	mu   sync.Mutex
	msgs []channel.OutboundMessage
}

func (r *recordingReplies) Enqueue(ctx context.Context, msg channel.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func event(ct channel.ChannelType, conv, nativeID string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:      ct,
		Conversation: channel.ConversationRef{Channel: ct, ID: conv},
		NativeID:     nativeID,
		Message:      channel.Message{Parts: []channel.MessagePart{{Text: "hi"}}},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func TestRouterDropsDuplicates(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var handled []string
	r := New(nil, nil, nil, Options{})
	r.Register(Registration{
		Name: "record",
		Handle: func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			mu.Lock()
			handled = append(handled, ev.NativeID)
			mu.Unlock()
			return Result{}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Intake(ctx, event(channel.TypeTelegram, "c1", "m1"))
	r.Intake(ctx, event(channel.TypeTelegram, "c1", "m1"))
	// Same native id on another channel is a distinct key.
	r.Intake(ctx, event(channel.TypeDiscord, "c1", "m1"))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 {
		t.Fatalf("duplicate was redispatched: %v", handled)
	}
}

func TestRouterConversationOrdering(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	got := map[string][]uint64{}
	r := New(nil, nil, nil, Options{WorkerQueueSize: 4})
	r.Register(Registration{
		Name: "order",
		Handle: func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			mu.Lock()
			got[ev.Conversation.Key()] = append(got[ev.Conversation.Key()], ev.ConvSeq)
			mu.Unlock()
			return Result{}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	const perConv = 20
	convs := []string{"a", "b", "c"}
	for i := 0; i < perConv; i++ {
		for _, c := range convs {
			r.Intake(ctx, event(channel.TypeTelegram, c, c+"-"+string(rune('0'+i/10))+string(rune('0'+i%10))))
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range convs {
			if len(got[channel.ConversationRef{Channel: channel.TypeTelegram, ID: c}.Key()]) != perConv {
				return false
			}
		}
		return true
	})
	mu.Lock()
	defer mu.Unlock()
	for conv, seqs := range got {
		for i, s := range seqs {
			if s != uint64(i+1) {
				t.Fatalf("conversation %s dispatched out of order: %v", conv, seqs)
			}
		}
	}
}

func TestRouterPriorityAndStopPropagation(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	record := func(name string, stop bool) HandlerFunc {
		return func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return Result{Stop: stop}, nil
		}
	}
	r := New(nil, nil, nil, Options{})
	r.Register(Registration{Name: "low", Priority: 1, Handle: record("low", false)})
	r.Register(Registration{Name: "high", Priority: 10, Handle: record("high", false)})
	r.Register(Registration{Name: "mid", Priority: 5, Handle: record("mid", true)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Intake(ctx, event(channel.TypeSlack, "c1", "m1"))
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "high" || order[1] != "mid" || len(order) != 2 {
		t.Fatalf("expected [high mid], got %v", order)
	}
}

func TestRouterHandlerErrorIsolation(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reached []string
	r := New(nil, nil, nil, Options{})
	r.Register(Registration{
		Name:     "broken",
		Priority: 10,
		Handle: func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			return Result{}, errors.New("boom")
		},
	})
	r.Register(Registration{
		Name:     "panicky",
		Priority: 5,
		Handle: func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			panic("kaboom")
		},
	})
	r.Register(Registration{
		Name: "survivor",
		Handle: func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			mu.Lock()
			reached = append(reached, ev.NativeID)
			mu.Unlock()
			return Result{}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Intake(ctx, event(channel.TypeTelegram, "c1", "m1"))
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reached) == 1
	})
}

func TestRouterTimeoutAdvancesConversation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	var handled []string
	r := New(nil, nil, nil, Options{HandlerTimeout: 50 * time.Millisecond})
	r.Register(Registration{
		Name: "stuck",
		Handle: func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			if ev.NativeID == "m1" {
				<-release
			}
			mu.Lock()
			handled = append(handled, ev.NativeID)
			mu.Unlock()
			return Result{}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Intake(ctx, event(channel.TypeTelegram, "c1", "m1"))
	r.Intake(ctx, event(channel.TypeTelegram, "c1", "m2"))

	// m1 blocks past the timeout; m2 must still dispatch.
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1 && handled[0] == "m2"
	})
	close(release)
}

func TestRouterRepliesReachSink(t *testing.T) {
	t.Parallel()

	replies := &recordingReplies{}
	r := New(nil, nil, replies, Options{})
	r.Register(Registration{
		Name: "echo",
		Handle: func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			return Result{Reply: &channel.OutboundMessage{
				Target:  ev.Conversation,
				Message: ev.Message,
			}}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Intake(ctx, event(channel.TypeDiscord, "c9", "m1"))
	waitFor(t, 5*time.Second, func() bool {
		replies.mu.Lock()
		defer replies.mu.Unlock()
		return len(replies.msgs) == 1
	})
	replies.mu.Lock()
	defer replies.mu.Unlock()
	if replies.msgs[0].Target.ID != "c9" {
		t.Fatalf("reply targeted wrong conversation: %+v", replies.msgs[0].Target)
	}
}

func TestRouterPredicateFiltering(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	counts := map[string]int{}
	count := func(name string) HandlerFunc {
		return func(ctx context.Context, ev channel.InboundEvent) (Result, error) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return Result{}, nil
		}
	}
	r := New(nil, nil, nil, Options{})
	r.Register(Registration{Name: "tg", Match: MatchChannel(channel.TypeTelegram), Handle: count("tg")})
	r.Register(Registration{
		Name:   "conv",
		Match:  MatchConversation(channel.ConversationRef{Channel: channel.TypeDiscord, ID: "c1"}),
		Handle: count("conv"),
	})
	r.Register(Registration{Name: "all", Match: MatchAll(), Handle: count("all")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Intake(ctx, event(channel.TypeTelegram, "c1", "m1"))
	r.Intake(ctx, event(channel.TypeDiscord, "c1", "m2"))
	r.Intake(ctx, event(channel.TypeDiscord, "c2", "m3"))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["all"] == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if counts["tg"] != 1 || counts["conv"] != 1 {
		t.Fatalf("predicate filtering wrong: %v", counts)
	}
}

func TestRouterSinkSeesGloballyOrderedSeqs(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	r := New(nil, sink, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	for i := 0; i < 30; i++ {
		ct := channel.TypeTelegram
		if i%2 == 1 {
			ct = channel.TypeSlack
		}
		r.Intake(ctx, event(ct, "c"+string(rune('a'+i%5)), "m"+string(rune('a'+i))))
	}
	waitFor(t, 5*time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.seqs) == 30
	})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, s := range sink.seqs {
		if s != uint64(i+1) {
			t.Fatalf("sink saw non-monotonic seq at %d: %v", i, sink.seqs)
		}
	}
}

func TestDedupSetWindowAndBound(t *testing.T) {
	t.Parallel()

	base := time.Now()
	d := newDedupSet(time.Minute, 3)
	if d.Seen("a", base) {
		t.Fatalf("fresh key reported as seen")
	}
	if !d.Seen("a", base.Add(time.Second)) {
		t.Fatalf("repeat within window not detected")
	}
	// Window expiry frees the key.
	if d.Seen("a", base.Add(2*time.Minute)) {
		t.Fatalf("expired key still reported as seen")
	}
	// Capacity bound evicts the oldest entry.
	d = newDedupSet(time.Hour, 3)
	d.Seen("a", base)
	d.Seen("b", base.Add(time.Second))
	d.Seen("c", base.Add(2*time.Second))
	d.Seen("d", base.Add(3*time.Second))
	if d.len() != 3 {
		t.Fatalf("expected 3 keys after eviction, got %d", d.len())
	}
	if d.Seen("a", base.Add(4*time.Second)) {
		t.Fatalf("oldest key should have been evicted")
	}
}
