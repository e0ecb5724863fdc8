// Package supervisor owns channel adapter lifecycles: connect, health-check,
// reconnect with backoff, and cooperative shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/channel"
)

// State is the lifecycle state of one channel connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateClosing      State = "closing"
)

// EventSink receives normalized inbound events pumped from adapter streams.
// The router implements this.
type EventSink interface {
	Intake(ctx context.Context, ev channel.InboundEvent)
}

// FatalError signals that a channel exhausted its connect budget and is
// permanently disconnected. The process keeps running; the operator must fix
// the configuration and restart the channel.
type FatalError struct {
	Channel channel.ChannelType
	Err     error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("channel %s permanently disconnected: %v", e.Channel, e.Err)
}

// Options tunes connection lifecycle behavior.
type Options struct {
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxConnectAttempts  int
	HealthCheckInterval time.Duration
	// MinUptime is the sustained Connected period after which the backoff
	// attempt counter resets to zero.
	MinUptime     time.Duration
	ShutdownGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 2 * time.Minute
	}
	if o.MaxConnectAttempts <= 0 {
		o.MaxConnectAttempts = 10
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.MinUptime <= 0 {
		o.MinUptime = time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	return o
}

// ConnectionStatus is an observed snapshot of one channel connection.
type ConnectionStatus struct {
	Channel   channel.ChannelType `json:"channel"`
	State     State               `json:"state"`
	Attempts  int                 `json:"attempts,omitempty"`
	LastError string              `json:"last_error,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type entry struct {
	adapter channel.Adapter

	mu          sync.Mutex
	state       State
	conn        channel.Conn
	attempts    int
	lastErr     string
	connectedAt time.Time
	updatedAt   time.Time
}

// Supervisor drives the state machine for every registered adapter:
// Disconnected -> Connecting -> Connected <-> Degraded -> Closing.
type Supervisor struct {
	logger   *slog.Logger
	registry *channel.Registry
	sink     EventSink
	opts     Options
	backoff  Backoff

	mu      sync.Mutex
	entries map[channel.ChannelType]*entry

	fatal  chan FatalError
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor over the registry's adapters. Events are pumped
// into sink; fatal per-channel failures surface on Fatal().
func New(log *slog.Logger, registry *channel.Registry, sink EventSink, opts Options) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Supervisor{
		logger:   log.With(slog.String("component", "supervisor")),
		registry: registry,
		sink:     sink,
		opts:     opts,
		backoff:  Backoff{Base: opts.BackoffBase, Cap: opts.BackoffCap},
		entries:  map[channel.ChannelType]*entry{},
		fatal:    make(chan FatalError, 8),
	}
}

// Fatal returns the channel on which permanent per-channel failures are reported.
func (s *Supervisor) Fatal() <-chan FatalError {
	return s.fatal
}

// Start launches one lifecycle goroutine per registered adapter.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, ct := range s.registry.Types() {
		adapter, ok := s.registry.Get(ct)
		if !ok {
			continue
		}
		e := &entry{adapter: adapter, state: StateDisconnected, updatedAt: time.Now().UTC()}
		s.mu.Lock()
		s.entries[ct] = e
		s.mu.Unlock()
		s.wg.Add(1)
		go func(ct channel.ChannelType, e *entry) {
			defer s.wg.Done()
			s.run(runCtx, ct, e)
		}(ct, e)
	}
	s.logger.Info("supervisor started", slog.Int("channels", len(s.registry.Types())))
}

// run is the per-channel lifecycle loop. It owns all state transitions for
// its entry; nothing else mutates entry.state.
func (s *Supervisor) run(ctx context.Context, ct channel.ChannelType, e *entry) {
	for {
		if ctx.Err() != nil {
			s.setState(e, StateClosing, nil)
			return
		}
		s.setState(e, StateConnecting, nil)
		conn, err := e.adapter.Connect(ctx)
		if err != nil {
			connErr := &channel.ConnectError{Channel: ct, Err: err}
			s.setState(e, StateDisconnected, connErr)
			if !s.delayReconnect(ctx, ct, e, connErr) {
				return
			}
			continue
		}

		e.mu.Lock()
		e.conn = conn
		e.connectedAt = time.Now().UTC()
		e.mu.Unlock()
		s.setState(e, StateConnected, nil)
		s.logger.Info("channel connected", slog.String("channel", ct.String()))

		cause := s.pump(ctx, ct, e, conn)
		s.closeConn(ct, e, conn)
		if cause == nil {
			s.setState(e, StateClosing, nil)
			return
		}
		// Degraded: the reconnect goes through the same attempt budget and
		// backoff as a failed connect, so a flapping stream cannot hot-loop
		// against the platform API.
		if !s.delayReconnect(ctx, ct, e, cause) {
			return
		}
	}
}

// delayReconnect charges one attempt against the connect budget and sleeps
// the backoff delay before the next Connect. It returns false when the budget
// is exhausted (a FatalError is emitted) or the supervisor is shutting down.
func (s *Supervisor) delayReconnect(ctx context.Context, ct channel.ChannelType, e *entry, cause error) bool {
	e.mu.Lock()
	e.attempts++
	attempts := e.attempts
	e.mu.Unlock()
	if attempts >= s.opts.MaxConnectAttempts {
		s.logger.Error("connect budget exhausted",
			slog.String("channel", ct.String()),
			slog.Int("attempts", attempts),
			slog.Any("error", cause),
		)
		select {
		case s.fatal <- FatalError{Channel: ct, Err: cause}:
		default:
		}
		s.setState(e, StateDisconnected, cause)
		return false
	}
	delay := s.backoff.Next(attempts)
	s.logger.Warn("reconnecting after backoff",
		slog.String("channel", ct.String()),
		slog.Int("attempt", attempts),
		slog.Duration("delay", delay),
		slog.Any("error", cause),
	)
	if !sleepCtx(ctx, delay) {
		s.setState(e, StateClosing, nil)
		return false
	}
	return true
}

// pump forwards the connection's event stream into the sink and runs periodic
// health checks. It returns nil when the supervisor is shutting down, or the
// degradation cause when the connection died and a reconnect should follow.
func (s *Supervisor) pump(ctx context.Context, ct channel.ChannelType, e *entry, conn channel.Conn) error {
	health := time.NewTicker(s.opts.HealthCheckInterval)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-conn.Events():
			if !ok {
				s.logger.Warn("event stream ended", slog.String("channel", ct.String()))
				err := fmt.Errorf("event stream ended")
				s.setState(e, StateDegraded, err)
				return err
			}
			s.maybeResetAttempts(e)
			s.sink.Intake(ctx, ev)
		case <-health.C:
			checkCtx, cancel := context.WithTimeout(ctx, s.opts.HealthCheckInterval)
			err := conn.HealthCheck(checkCtx)
			cancel()
			if err != nil {
				s.logger.Warn("health check failed",
					slog.String("channel", ct.String()),
					slog.Any("error", err),
				)
				s.setState(e, StateDegraded, err)
				return err
			}
			s.maybeResetAttempts(e)
		}
	}
}

// maybeResetAttempts zeroes the backoff counter once the connection has been
// up for the minimum uptime window.
func (s *Supervisor) maybeResetAttempts(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attempts > 0 && !e.connectedAt.IsZero() && time.Since(e.connectedAt) >= s.opts.MinUptime {
		e.attempts = 0
	}
}

func (s *Supervisor) closeConn(ct channel.ChannelType, e *entry, conn channel.Conn) {
	closeCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil {
		s.logger.Warn("connection close failed",
			slog.String("channel", ct.String()),
			slog.Any("error", err),
		)
	}
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()
}

// Conn returns the live connection for the given channel. Degraded
// connections are still returned; callers get delivery errors and retry.
func (s *Supervisor) Conn(ct channel.ChannelType) (channel.Conn, error) {
	s.mu.Lock()
	e := s.entries[ct]
	s.mu.Unlock()
	if e == nil {
		return nil, fmt.Errorf("channel %s not supervised", ct)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, fmt.Errorf("channel %s: %w", ct, channel.ErrNotConnected)
	}
	return e.conn, nil
}

// State returns the current state for the given channel.
func (s *Supervisor) State(ct channel.ChannelType) (State, bool) {
	s.mu.Lock()
	e := s.entries[ct]
	s.mu.Unlock()
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Statuses returns a snapshot of all supervised connections, sorted by channel.
func (s *Supervisor) Statuses() []ConnectionStatus {
	s.mu.Lock()
	entries := make(map[channel.ChannelType]*entry, len(s.entries))
	for ct, e := range s.entries {
		entries[ct] = e
	}
	s.mu.Unlock()

	items := make([]ConnectionStatus, 0, len(entries))
	for ct, e := range entries {
		e.mu.Lock()
		items = append(items, ConnectionStatus{
			Channel:   ct,
			State:     e.state,
			Attempts:  e.attempts,
			LastError: e.lastErr,
			UpdatedAt: e.updatedAt,
		})
		e.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Channel < items[j].Channel })
	return items
}

// Shutdown stops all lifecycle loops and waits up to the grace period for
// connections to close.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("supervisor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	case <-time.After(s.opts.ShutdownGrace):
		return fmt.Errorf("supervisor shutdown timed out after %s", s.opts.ShutdownGrace)
	}
}

func (s *Supervisor) setState(e *entry, state State, cause error) {
	e.mu.Lock()
	e.state = state
	e.updatedAt = time.Now().UTC()
	if cause != nil {
		e.lastErr = cause.Error()
	} else if state == StateConnected {
		e.lastErr = ""
	}
	e.mu.Unlock()
}

// sleepCtx sleeps for d, returning false if ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
