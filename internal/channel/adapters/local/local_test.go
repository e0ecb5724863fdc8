package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymux/relaymux/internal/channel"
)

func TestInjectRequiresConnection(t *testing.T) {
	t.Parallel()

	a := New(nil)
	err := a.Inject(context.Background(), channel.InboundEvent{Message: channel.Message{Text: "hi"}})
	if !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestInjectFillsDefaults(t *testing.T) {
	t.Parallel()

	a := New(nil)
	conn, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(context.Background())

	if err := a.Inject(context.Background(), channel.InboundEvent{Message: channel.Message{Text: "hi"}}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	select {
	case ev := <-conn.Events():
		if ev.Channel != Type {
			t.Fatalf("channel not forced: %v", ev.Channel)
		}
		if ev.NativeID == "" || ev.Received.IsZero() {
			t.Fatalf("defaults not filled: %+v", ev)
		}
		if ev.Conversation.ID != "default" {
			t.Fatalf("conversation not defaulted: %+v", ev.Conversation)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSendObservedOnDeliveries(t *testing.T) {
	t.Parallel()

	a := New(nil)
	conn, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(context.Background())

	msg := channel.OutboundMessage{
		Target:  channel.ConversationRef{Channel: Type, ID: "default"},
		Message: channel.Message{Text: "out"},
	}
	nativeID, err := conn.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case d := <-a.Deliveries():
		if d.NativeID != nativeID || d.Message.Message.Text != "out" {
			t.Fatalf("unexpected delivery: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery not observed")
	}
}

func TestSendEmptyMessageIsPermanent(t *testing.T) {
	t.Parallel()

	a := New(nil)
	conn, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Send(context.Background(), channel.OutboundMessage{
		Target: channel.ConversationRef{Channel: Type, ID: "default"},
	})
	if !channel.IsPermanentSend(err) {
		t.Fatalf("expected permanent send error, got %v", err)
	}
}

func TestCloseEndsStreamAndFailsHealth(t *testing.T) {
	t.Parallel()

	a := New(nil)
	conn, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conn.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health before close: %v", err)
	}
	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-conn.Events(); ok {
		t.Fatal("events channel still open after close")
	}
	if err := conn.HealthCheck(context.Background()); err == nil {
		t.Fatal("health check should fail after close")
	}
}
