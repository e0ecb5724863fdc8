package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/relaymux/internal/channel"
)

// SlowPolicy decides what happens to a subscriber whose queue is full.
type SlowPolicy string

const (
	// SlowDropOldest discards the subscriber's oldest buffered frame. The
	// subscriber notices the sequence jump and resyncs from the backlog.
	SlowDropOldest SlowPolicy = "drop_oldest"
	// SlowDisconnect closes the subscriber's session.
	SlowDisconnect SlowPolicy = "disconnect"
)

// CommandSink forwards subscriber commands to the outbound dispatcher and
// blocks until delivery settles.
type CommandSink interface {
	Deliver(ctx context.Context, msg channel.OutboundMessage) (nativeID string, err error)
}

// Options tunes per-subscriber buffering.
type Options struct {
	SubscriberQueue int
	SlowPolicy      SlowPolicy
	WriteTimeout    time.Duration
	CommandTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.SubscriberQueue <= 0 {
		o.SubscriberQueue = 256
	}
	if o.SlowPolicy == "" {
		o.SlowPolicy = SlowDropOldest
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = time.Minute
	}
	return o
}

// Hub multiplexes the routed event stream to any number of subscribers. It
// is the router's sink: Publish runs on the intake goroutine and must never
// block, so all subscriber delivery is queue-and-forget under the slow
// policy.
type Hub struct {
	logger  *slog.Logger
	backlog Backlog
	sink    CommandSink
	opts    Options

	mu      sync.Mutex
	subs    map[string]*subscriber
	newest  atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(log *slog.Logger, backlog Backlog, sink CommandSink, opts Options) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger:  log.With(slog.String("component", "gateway")),
		backlog: backlog,
		sink:    sink,
		opts:    opts.withDefaults(),
		subs:    map[string]*subscriber{},
	}
}

// Publish records ev in the backlog and fans it out. Called synchronously by
// the router's intake loop, so frames reach subscriber queues in global
// sequence order.
func (h *Hub) Publish(ev channel.InboundEvent) {
	h.newest.Store(ev.Seq)
	if err := h.backlog.Append(context.Background(), ev); err != nil {
		h.logger.Error("backlog append failed",
			slog.Uint64("seq", ev.Seq),
			slog.Any("error", err),
		)
	}
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		if s.matches(ev) {
			s.enqueue(eventFrame(ev, false))
		}
	}
}

// SubscriberCount reports how many sessions are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// NewestSeq is the sequence of the most recently published event.
func (h *Hub) NewestSeq() uint64 {
	return h.newest.Load()
}

// DroppedFrames is the cumulative count of frames lost to the slow policy
// across all subscribers.
func (h *Hub) DroppedFrames() uint64 {
	return h.dropped.Load()
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
}

// subscriber is one attached session. Its queue is bounded; the hub never
// blocks on it.
type subscriber struct {
	id       string
	hub      *Hub
	channels map[channel.ChannelType]struct{} // empty means all

	queue chan Frame
	done  chan struct{}
	once  sync.Once

	lastAck atomic.Uint64
	dropped atomic.Uint64

	// enqMu serializes queue admission so the slow policy's pop-then-push
	// stays atomic across the intake loop and replay goroutine.
	enqMu sync.Mutex
	// While a resync replays the backlog, live event frames park in pending
	// and re-admit after the cutover, keeping delivered sequence numbers
	// monotonic. Guarded by enqMu.
	replaying bool
	pending   []Frame
}

func (h *Hub) newSubscriber(channels []channel.ChannelType) *subscriber {
	s := &subscriber{
		id:    uuid.NewString(),
		hub:   h,
		queue: make(chan Frame, h.opts.SubscriberQueue),
		done:  make(chan struct{}),
	}
	if len(channels) > 0 {
		s.channels = make(map[channel.ChannelType]struct{}, len(channels))
		for _, ct := range channels {
			s.channels[ct] = struct{}{}
		}
	}
	return s
}

func (s *subscriber) matches(ev channel.InboundEvent) bool {
	if len(s.channels) == 0 {
		return true
	}
	_, ok := s.channels[ev.Channel]
	return ok
}

func (s *subscriber) enqueue(f Frame) {
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	if s.replaying && f.Type == FrameEvent && !f.Replayed {
		s.parkLocked(f)
		return
	}
	s.admitLocked(f)
}

func (s *subscriber) admitLocked(f Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- f:
		return
	default:
	}
	switch s.hub.opts.SlowPolicy {
	case SlowDisconnect:
		s.hub.logger.Warn("disconnecting slow subscriber",
			slog.String("subscriber", s.id),
		)
		s.close()
	default: // SlowDropOldest
		select {
		case old := <-s.queue:
			s.dropped.Add(1)
			s.hub.dropped.Add(1)
			s.hub.logger.Warn("dropped frame for slow subscriber",
				slog.String("subscriber", s.id),
				slog.Uint64("seq", old.Seq),
			)
		default:
		}
		select {
		case s.queue <- f:
		default:
		}
	}
}

// parkLocked holds a live frame aside during replay, bounded by the queue
// capacity under the same slow policy as direct admission.
func (s *subscriber) parkLocked(f Frame) {
	if len(s.pending) >= cap(s.queue) {
		switch s.hub.opts.SlowPolicy {
		case SlowDisconnect:
			s.hub.logger.Warn("disconnecting slow subscriber",
				slog.String("subscriber", s.id),
			)
			s.close()
			return
		default:
			s.dropped.Add(1)
			s.hub.dropped.Add(1)
			s.pending = s.pending[1:]
		}
	}
	s.pending = append(s.pending, f)
}

func (s *subscriber) beginReplay() {
	s.enqMu.Lock()
	s.replaying = true
	s.enqMu.Unlock()
}

// finishReplay re-admits live frames parked during replay. Frames at or below
// cutSeq were already served from the backlog and are discarded to keep
// delivery exactly-once.
func (s *subscriber) finishReplay(cutSeq uint64) {
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	s.replaying = false
	for _, f := range s.pending {
		if f.Seq <= cutSeq {
			continue
		}
		s.admitLocked(f)
	}
	s.pending = nil
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}
