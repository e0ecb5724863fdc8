// Package local provides an in-process loopback adapter. It backs the CLI
// channel and tests: callers inject inbound events directly and observe
// outbound sends without any platform connection.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/relaymux/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.TypeLocal

// Delivery is one outbound message observed on the loopback. Payloads holds
// the bytes of every attachment the dispatcher opened from the media cache.
type Delivery struct {
	NativeID string
	Message  channel.OutboundMessage
	Payloads [][]byte
}

// Adapter is the loopback adapter. A single Adapter survives reconnects;
// each Connect yields a fresh conn wired to the same hub.
type Adapter struct {
	logger *slog.Logger

	mu   sync.Mutex
	conn *conn

	deliveries chan Delivery
}

func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "local")),
		deliveries: make(chan Delivery, 64),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Local",
		Capabilities: channel.Capabilities{
			Text:        true,
			Attachments: true,
			Reply:       true,
		},
	}
}

func (a *Adapter) Connect(ctx context.Context) (channel.Conn, error) {
	c := &conn{
		adapter: a,
		events:  make(chan channel.InboundEvent, 64),
		done:    make(chan struct{}),
	}
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()
	a.logger.Info("loopback connected")
	return c, nil
}

// Inject feeds one inbound event into the live connection, filling the
// native id and timestamp when absent. It fails when no connection is up.
func (a *Adapter) Inject(ctx context.Context, ev channel.InboundEvent) error {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c == nil {
		return fmt.Errorf("local adapter: %w", channel.ErrNotConnected)
	}
	ev.Channel = Type
	if ev.Conversation.IsZero() {
		ev.Conversation = channel.ConversationRef{Channel: Type, ID: "default"}
	}
	if ev.NativeID == "" {
		ev.NativeID = uuid.NewString()
	}
	if ev.Received.IsZero() {
		ev.Received = time.Now().UTC()
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return fmt.Errorf("local adapter: %w", channel.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries exposes outbound messages sent through the loopback.
func (a *Adapter) Deliveries() <-chan Delivery {
	return a.deliveries
}

type conn struct {
	adapter *Adapter
	events  chan channel.InboundEvent

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) Events() <-chan channel.InboundEvent {
	return c.events
}

func (c *conn) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	select {
	case <-c.done:
		return "", channel.NewTransientSendError(Type, channel.ErrNotConnected)
	default:
	}
	if msg.Message.IsEmpty() {
		return "", channel.NewPermanentSendError(Type, fmt.Errorf("empty message"))
	}
	// Payload readers close when Send returns, so the bytes are captured now
	// for consumers that read deliveries later.
	var payloads [][]byte
	for _, att := range msg.Message.Attachments {
		if att.Payload == nil || att.Payload.Reader == nil {
			continue
		}
		body, err := io.ReadAll(att.Payload.Reader)
		if err != nil {
			return "", channel.NewTransientSendError(Type, fmt.Errorf("read attachment payload: %w", err))
		}
		payloads = append(payloads, body)
	}
	nativeID := uuid.NewString()
	select {
	case c.adapter.deliveries <- Delivery{NativeID: nativeID, Message: msg, Payloads: payloads}:
	default:
		// Nobody is consuming deliveries; drop rather than wedge the sender.
	}
	return nativeID, nil
}

func (c *conn) HealthCheck(ctx context.Context) error {
	select {
	case <-c.done:
		return channel.ErrNotConnected
	default:
		return nil
	}
}

func (c *conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.events)
		c.adapter.mu.Lock()
		if c.adapter.conn == c {
			c.adapter.conn = nil
		}
		c.adapter.mu.Unlock()
	})
	return nil
}
