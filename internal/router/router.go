package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/channel"
)

// Sink receives every accepted event synchronously on the intake goroutine,
// in global sequence order. Implementations must be fast and non-blocking;
// the gateway hub's broadcast fan-out satisfies this.
type Sink interface {
	Publish(ev channel.InboundEvent)
}

// ReplySink accepts outbound messages produced by handlers.
type ReplySink interface {
	Enqueue(ctx context.Context, msg channel.OutboundMessage) error
}

// Options tunes routing behavior.
type Options struct {
	DedupWindow  time.Duration
	DedupMaxKeys int
	// HandlerTimeout bounds dispatch of one event across all its handlers.
	// When it expires the event is logged as timed out and the conversation
	// advances to the next event.
	HandlerTimeout  time.Duration
	IntakeQueueSize int
	WorkerQueueSize int
	// WorkerIdleTTL is how long a conversation worker lingers without
	// traffic before it is retired.
	WorkerIdleTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 10 * time.Minute
	}
	if o.DedupMaxKeys <= 0 {
		o.DedupMaxKeys = 8192
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.IntakeQueueSize <= 0 {
		o.IntakeQueueSize = 1024
	}
	if o.WorkerQueueSize <= 0 {
		o.WorkerQueueSize = 64
	}
	if o.WorkerIdleTTL <= 0 {
		o.WorkerIdleTTL = time.Minute
	}
	return o
}

type convWorker struct {
	key   string
	queue chan channel.InboundEvent
}

// Router turns the union of all adapter event streams into one deduplicated,
// per-conversation-ordered dispatch stream. A single intake goroutine owns
// sequence assignment and dedup; per-conversation workers own handler
// dispatch, so distinct conversations proceed concurrently.
type Router struct {
	logger   *slog.Logger
	opts     Options
	sink     Sink
	replies  ReplySink
	handlers []Registration

	intake  chan channel.InboundEvent
	retire  chan string
	seq     uint64
	convSeq map[string]uint64
	dedup   map[channel.ChannelType]*dedupSet
	workers map[string]*convWorker

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(log *slog.Logger, sink Sink, replies ReplySink, opts Options) *Router {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Router{
		logger:  log.With(slog.String("component", "router")),
		opts:    opts,
		sink:    sink,
		replies: replies,
		intake:  make(chan channel.InboundEvent, opts.IntakeQueueSize),
		retire:  make(chan string),
		convSeq: map[string]uint64{},
		dedup:   map[channel.ChannelType]*dedupSet{},
		workers: map[string]*convWorker{},
	}
}

// Register adds a handler. All registrations must happen before Start; the
// router has no knowledge of where handlers come from.
func (r *Router) Register(reg Registration) {
	if reg.Match == nil {
		reg.Match = MatchAll()
	}
	r.handlers = append(r.handlers, reg)
}

// Intake implements the supervisor's event sink. It blocks when the intake
// queue is full, propagating backpressure to the connection pump.
func (r *Router) Intake(ctx context.Context, ev channel.InboundEvent) {
	select {
	case r.intake <- ev:
	case <-ctx.Done():
	}
}

func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		sort.SliceStable(r.handlers, func(i, j int) bool {
			return r.handlers[i].Priority > r.handlers[j].Priority
		})
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		r.wg.Add(1)
		go r.run(runCtx)
	})
}

// Shutdown stops intake and waits for conversation workers to drain their
// queues, up to ctx's deadline.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("router shutdown: %w", ctx.Err())
	}
}

// run is the intake loop. It is the only goroutine that touches seq, convSeq,
// dedup, and the workers map.
func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for _, w := range r.workers {
				close(w.queue)
			}
			r.workers = map[string]*convWorker{}
			return
		case key := <-r.retire:
			if w, ok := r.workers[key]; ok && len(w.queue) == 0 {
				delete(r.workers, key)
				close(w.queue)
			}
		case ev := <-r.intake:
			r.accept(ctx, ev)
		}
	}
}

func (r *Router) accept(ctx context.Context, ev channel.InboundEvent) {
	now := time.Now().UTC()
	set, ok := r.dedup[ev.Channel]
	if !ok {
		set = newDedupSet(r.opts.DedupWindow, r.opts.DedupMaxKeys)
		r.dedup[ev.Channel] = set
	}
	if set.Seen(ev.IdempotencyKey(), now) {
		r.logger.Debug("duplicate event dropped",
			slog.String("channel", ev.Channel.String()),
			slog.String("key", ev.IdempotencyKey()),
		)
		return
	}

	if ev.Received.IsZero() {
		ev.Received = now
	}
	r.seq++
	ev.Seq = r.seq
	convKey := ev.Conversation.Key()
	r.convSeq[convKey]++
	ev.ConvSeq = r.convSeq[convKey]

	// The gateway sink sees events here, on the intake goroutine, so its
	// delivery order is globally monotonic in Seq.
	if r.sink != nil {
		r.sink.Publish(ev)
	}

	w, ok := r.workers[convKey]
	if !ok {
		w = &convWorker{key: convKey, queue: make(chan channel.InboundEvent, r.opts.WorkerQueueSize)}
		r.workers[convKey] = w
		r.wg.Add(1)
		go r.runWorker(ctx, w)
	}
	select {
	case w.queue <- ev:
	case <-ctx.Done():
	}
}

func (r *Router) runWorker(ctx context.Context, w *convWorker) {
	defer r.wg.Done()
	idle := time.NewTimer(r.opts.WorkerIdleTTL)
	defer idle.Stop()
	for {
		select {
		case ev, ok := <-w.queue:
			if !ok {
				return
			}
			r.dispatch(ctx, ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.WorkerIdleTTL)
		case <-idle.C:
			// Ask the intake loop to retire us; it only complies when our
			// queue is empty, so no event can be lost to this race.
			select {
			case r.retire <- w.key:
			case <-ctx.Done():
				return
			}
			idle.Reset(r.opts.WorkerIdleTTL)
		}
	}
}

// dispatch runs the matching handlers for one event in priority order. It
// returns when every handler finished, one requested stop propagation, or the
// per-event timeout expired; in all cases the conversation advances.
func (r *Router) dispatch(ctx context.Context, ev channel.InboundEvent) {
	evCtx, cancel := context.WithTimeout(ctx, r.opts.HandlerTimeout)
	defer cancel()

	for _, reg := range r.handlers {
		if !reg.Match(ev) {
			continue
		}
		res, err := r.invoke(evCtx, reg, ev)
		if err != nil {
			if evCtx.Err() != nil {
				r.logger.Error("handler timed out, abandoning event",
					slog.String("handler", reg.Name),
					slog.String("channel", ev.Channel.String()),
					slog.String("conversation", ev.Conversation.Key()),
					slog.Uint64("seq", ev.Seq),
				)
				return
			}
			r.logger.Error("handler failed",
				slog.String("handler", reg.Name),
				slog.String("channel", ev.Channel.String()),
				slog.String("key", ev.IdempotencyKey()),
				slog.Any("error", err),
			)
			continue
		}
		if res.Reply != nil && r.replies != nil {
			if err := r.replies.Enqueue(evCtx, *res.Reply); err != nil {
				r.logger.Error("reply enqueue failed",
					slog.String("handler", reg.Name),
					slog.String("channel", res.Reply.Target.Channel.String()),
					slog.Any("error", err),
				)
			}
		}
		if res.Stop {
			return
		}
	}
}

// invoke runs one handler with panic isolation. If the event deadline fires
// while the handler is still running, invoke returns and the handler
// goroutine is left to finish on its own.
func (r *Router) invoke(ctx context.Context, reg Registration, ev channel.InboundEvent) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("handler %s panicked: %v", reg.Name, p)}
			}
		}()
		res, err := reg.Handle(ctx, ev)
		done <- outcome{res: res, err: err}
	}()
	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
