package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/supervisor"
)

// ErrQueueFull is returned when a channel's outbound queue stays full past
// the bounded enqueue wait.
var ErrQueueFull = errors.New("outbound queue full")

// ErrShuttingDown is returned for submissions after shutdown began.
var ErrShuttingDown = errors.New("dispatcher shutting down")

// ConnProvider yields the live connection for a channel. The supervisor
// implements this.
type ConnProvider interface {
	Conn(ct channel.ChannelType) (channel.Conn, error)
}

// AssetPinner protects cached media from eviction while a send that
// references it is in flight. The media cache implements this.
type AssetPinner interface {
	Pin(hash string) error
	Unpin(hash string)
}

// AssetOpener serves cached payloads for delivery, re-encoded to targetMime
// when it differs from the stored type. The media resolver implements this.
type AssetOpener interface {
	OpenAsset(ctx context.Context, hash, targetMime string) (channel.AttachmentPayload, error)
}

// MimePolicy decides the encoding an attachment needs for the target channel;
// empty means send the stored encoding. The channel registry implements this.
type MimePolicy interface {
	OutboundMime(ct channel.ChannelType, att channel.Attachment) string
}

// Outcome is the terminal result of one outbound request.
type Outcome struct {
	// NativeID is the platform-native id of the delivered message, set on
	// success.
	NativeID string
	Err      error
	Attempts int
}

// Ticket tracks one submitted request. Done yields exactly one Outcome.
type Ticket struct {
	done chan Outcome
}

func (t *Ticket) Done() <-chan Outcome {
	return t.done
}

// Wait blocks for the outcome or the context.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case out := <-t.done:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type request struct {
	msg    channel.OutboundMessage
	ticket *Ticket
}

// Options tunes delivery behavior.
type Options struct {
	QueueSize int
	// RatePerSec and Burst parameterize the per-channel token bucket.
	RatePerSec float64
	Burst      int
	// MaxAttempts bounds delivery tries for transient failures.
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	// EnqueueWait bounds how long Submit blocks on a full queue before
	// failing with ErrQueueFull.
	EnqueueWait time.Duration
	SendTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 1
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 2 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	return o
}

type channelQueue struct {
	queue   chan request
	limiter *rate.Limiter
}

// Dispatcher delivers outbound messages through the target channel's live
// connection. Each channel gets a bounded queue, a dedicated worker, and a
// token bucket; transient send errors retry with jittered backoff while the
// idempotency token rides along unchanged.
type Dispatcher struct {
	logger   *slog.Logger
	provider ConnProvider
	pinner   AssetPinner
	opener   AssetOpener
	mimes    MimePolicy
	opts     Options
	backoff  supervisor.Backoff

	mu       sync.Mutex
	queues   map[channel.ChannelType]*channelQueue
	closed   bool
	quit     chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startOne sync.Once
}

func New(log *slog.Logger, provider ConnProvider, opts Options) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Dispatcher{
		logger:   log.With(slog.String("component", "dispatch")),
		provider: provider,
		opts:     opts,
		backoff:  supervisor.Backoff{Base: opts.RetryBase, Cap: opts.RetryCap},
		queues:   map[channel.ChannelType]*channelQueue{},
		quit:     make(chan struct{}),
	}
}

// SetAssetPinner installs the media cache hook. Must be called before Start.
func (d *Dispatcher) SetAssetPinner(p AssetPinner) {
	d.pinner = p
}

// SetAssetOpener installs the payload source and the per-channel encoding
// policy; with both set, cached attachments travel as opened bytes instead of
// bare references. Must be called before Start.
func (d *Dispatcher) SetAssetOpener(o AssetOpener, mimes MimePolicy) {
	d.opener = o
	d.mimes = mimes
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.startOne.Do(func() {
		d.mu.Lock()
		d.runCtx, d.cancel = context.WithCancel(ctx)
		d.mu.Unlock()
	})
}

// Submit queues msg for delivery and returns a ticket carrying the eventual
// outcome. It blocks up to EnqueueWait when the channel queue is full.
func (d *Dispatcher) Submit(ctx context.Context, msg channel.OutboundMessage) (*Ticket, error) {
	if msg.Target.Channel == "" {
		return nil, fmt.Errorf("outbound message has no target channel")
	}
	cq, runCtx, err := d.queueFor(msg.Target.Channel)
	if err != nil {
		return nil, err
	}
	req := request{msg: msg, ticket: &Ticket{done: make(chan Outcome, 1)}}
	wait := time.NewTimer(d.opts.EnqueueWait)
	defer wait.Stop()
	select {
	case cq.queue <- req:
		return req.ticket, nil
	case <-wait.C:
		return nil, fmt.Errorf("channel %s: %w", msg.Target.Channel, ErrQueueFull)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-runCtx.Done():
		return nil, ErrShuttingDown
	}
}

// Enqueue is fire-and-forget: outcomes are only logged. It satisfies the
// router's reply sink.
func (d *Dispatcher) Enqueue(ctx context.Context, msg channel.OutboundMessage) error {
	ticket, err := d.Submit(ctx, msg)
	if err != nil {
		return err
	}
	go func() {
		out := <-ticket.Done()
		if out.Err != nil {
			d.logger.Error("outbound delivery failed",
				slog.String("channel", msg.Target.Channel.String()),
				slog.String("conversation", msg.Target.ID),
				slog.Int("attempts", out.Attempts),
				slog.Any("error", out.Err),
			)
		}
	}()
	return nil
}

// Deliver submits msg and blocks until the outcome settles or ctx expires.
// The gateway's command path uses this.
func (d *Dispatcher) Deliver(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	ticket, err := d.Submit(ctx, msg)
	if err != nil {
		return "", err
	}
	out, err := ticket.Wait(ctx)
	if err != nil {
		return "", err
	}
	return out.NativeID, out.Err
}

func (d *Dispatcher) queueFor(ct channel.ChannelType) (*channelQueue, context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, nil, ErrShuttingDown
	}
	if d.runCtx == nil {
		return nil, nil, fmt.Errorf("dispatcher not started")
	}
	cq, ok := d.queues[ct]
	if !ok {
		cq = &channelQueue{
			queue:   make(chan request, d.opts.QueueSize),
			limiter: rate.NewLimiter(rate.Limit(d.opts.RatePerSec), d.opts.Burst),
		}
		d.queues[ct] = cq
		d.wg.Add(1)
		go d.runWorker(d.runCtx, ct, cq)
	}
	return cq, d.runCtx, nil
}

func (d *Dispatcher) runWorker(ctx context.Context, ct channel.ChannelType, cq *channelQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.failPending(cq)
			return
		case <-d.quit:
			// Graceful drain: finish whatever is queued, then exit. The
			// force context still aborts mid-delivery if the grace period
			// runs out.
			for {
				select {
				case req := <-cq.queue:
					d.process(ctx, ct, cq, req)
				default:
					return
				}
			}
		case req := <-cq.queue:
			d.process(ctx, ct, cq, req)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ct channel.ChannelType, cq *channelQueue, req request) {
	if err := cq.limiter.Wait(ctx); err != nil {
		req.ticket.done <- Outcome{Err: ErrShuttingDown}
		return
	}
	req.ticket.done <- d.deliver(ctx, ct, req.msg)
}

// failPending drains whatever is still queued at shutdown so no ticket is
// left waiting forever.
func (d *Dispatcher) failPending(cq *channelQueue) {
	for {
		select {
		case req := <-cq.queue:
			req.ticket.done <- Outcome{Err: ErrShuttingDown}
		default:
			return
		}
	}
}

// deliver attempts the send, retrying transient failures with backoff until
// MaxAttempts or the message deadline. Classified-permanent errors terminate
// immediately.
func (d *Dispatcher) deliver(ctx context.Context, ct channel.ChannelType, msg channel.OutboundMessage) Outcome {
	defer d.unpinAssets(d.pinAssets(msg))

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		nativeID, err := d.attempt(ctx, ct, msg)
		if err == nil {
			if attempt > 1 {
				d.logger.Info("delivered after retry",
					slog.String("channel", ct.String()),
					slog.Int("attempt", attempt),
				)
			}
			return Outcome{NativeID: nativeID, Attempts: attempt}
		}
		lastErr = err
		if channel.IsPermanentSend(err) {
			d.logger.Warn("permanent send failure",
				slog.String("channel", ct.String()),
				slog.String("conversation", msg.Target.ID),
				slog.Any("error", err),
			)
			return Outcome{Err: err, Attempts: attempt}
		}
		if attempt == d.opts.MaxAttempts {
			break
		}
		delay := d.backoff.Next(attempt)
		d.logger.Warn("transient send failure, retrying",
			slog.String("channel", ct.String()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if !sleepCtx(ctx, delay) {
			return Outcome{Err: ErrShuttingDown, Attempts: attempt}
		}
		if !msg.Deadline.IsZero() && time.Now().After(msg.Deadline) {
			return Outcome{
				Err:      fmt.Errorf("deadline exceeded after %d attempts: %w", attempt, lastErr),
				Attempts: attempt,
			}
		}
	}
	return Outcome{
		Err:      fmt.Errorf("gave up after %d attempts: %w", d.opts.MaxAttempts, lastErr),
		Attempts: d.opts.MaxAttempts,
	}
}

// pinAssets pins every cached attachment referenced by msg for the duration
// of the delivery, returning the hashes that were actually pinned.
func (d *Dispatcher) pinAssets(msg channel.OutboundMessage) []string {
	if d.pinner == nil {
		return nil
	}
	var pinned []string
	for _, att := range msg.Message.Attachments {
		if att.ContentHash == "" {
			continue
		}
		if err := d.pinner.Pin(att.ContentHash); err != nil {
			// Not cached; the adapter resolves the attachment another way.
			continue
		}
		pinned = append(pinned, att.ContentHash)
	}
	return pinned
}

func (d *Dispatcher) unpinAssets(hashes []string) {
	for _, hash := range hashes {
		d.pinner.Unpin(hash)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, ct channel.ChannelType, msg channel.OutboundMessage) (string, error) {
	conn, err := d.provider.Conn(ct)
	if err != nil {
		// Not connected right now; the supervisor may bring it back.
		return "", channel.NewTransientSendError(ct, err)
	}
	sendCtx := ctx
	var cancel context.CancelFunc
	deadline := time.Now().Add(d.opts.SendTimeout)
	if !msg.Deadline.IsZero() && msg.Deadline.Before(deadline) {
		deadline = msg.Deadline
	}
	sendCtx, cancel = context.WithDeadline(ctx, deadline)
	defer cancel()

	// Payloads are opened fresh per attempt: a retry must not reuse readers
	// the previous send already consumed.
	closers := d.openAssets(sendCtx, ct, &msg)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	return conn.Send(sendCtx, msg)
}

// openAssets attaches cached payload bytes to msg's hashed attachments,
// re-encoded per the target channel's media policy. Attachments that are not
// cached (or fail to open) keep their references; the adapter resolves them
// another way or skips them. The attachment slice is copied so retries and
// the caller never observe the readers.
func (d *Dispatcher) openAssets(ctx context.Context, ct channel.ChannelType, msg *channel.OutboundMessage) []io.Closer {
	if d.opener == nil || len(msg.Message.Attachments) == 0 {
		return nil
	}
	atts := make([]channel.Attachment, len(msg.Message.Attachments))
	copy(atts, msg.Message.Attachments)
	var closers []io.Closer
	for i := range atts {
		if atts[i].ContentHash == "" {
			continue
		}
		var target string
		if d.mimes != nil {
			target = d.mimes.OutboundMime(ct, atts[i])
		}
		payload, err := d.opener.OpenAsset(ctx, atts[i].ContentHash, target)
		if err != nil {
			d.logger.Warn("attachment payload unavailable",
				slog.String("channel", ct.String()),
				slog.String("hash", atts[i].ContentHash),
				slog.Any("error", err),
			)
			continue
		}
		atts[i].Payload = &payload
		closers = append(closers, payload.Reader)
	}
	msg.Message.Attachments = atts
	return closers
}

// Shutdown stops accepting new work, drains queued deliveries up to ctx's
// deadline, then force-cancels whatever is still in flight. No ticket is left
// without an outcome.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
