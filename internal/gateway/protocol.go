package gateway

import (
	"github.com/relaymux/relaymux/internal/channel"
)

// FrameType discriminates the JSON frames exchanged with subscribers.
type FrameType string

const (
	// FrameHello is sent by the server right after the handshake. It carries
	// the session id and the newest stream sequence number.
	FrameHello FrameType = "hello"
	// FrameEvent carries one routed inbound event, tagged with its sequence.
	FrameEvent FrameType = "event"
	// FrameAck is sent by the subscriber to record the highest sequence it
	// has durably consumed.
	FrameAck FrameType = "ack"
	// FrameResync is sent by the subscriber to request replay of every event
	// after FromSeq.
	FrameResync FrameType = "resync"
	// FrameGap is sent by the server when a resync asked for events older
	// than the backlog window. The subscriber must treat its local state as
	// stale and resume from the current sequence.
	FrameGap FrameType = "gap"
	// FrameCommand is sent by the subscriber to push an outbound message
	// through the dispatcher.
	FrameCommand FrameType = "command"
	// FrameResult reports the outcome of a command, correlated by ID.
	FrameResult FrameType = "result"
)

// CommandKindSend is the only command kind currently defined.
const CommandKindSend = "send"

// Command is a subscriber-issued instruction.
type Command struct {
	Kind    string                  `json:"kind"`
	Message channel.OutboundMessage `json:"message"`
}

// Frame is the wire envelope. Fields are populated per Type; unused fields
// are omitted from the JSON.
type Frame struct {
	Type FrameType `json:"type"`
	// SessionID identifies the subscriber session (hello).
	SessionID string `json:"session_id,omitempty"`
	// Seq is the event sequence (event), the acknowledged sequence (ack), or
	// the newest stream sequence (hello).
	Seq uint64 `json:"seq,omitempty"`
	// FromSeq is the replay start for resync, or the first missing sequence
	// for gap.
	FromSeq uint64 `json:"from_seq,omitempty"`
	// ToSeq is the last missing sequence for gap.
	ToSeq uint64 `json:"to_seq,omitempty"`
	// Replayed marks event frames that were served from the backlog.
	Replayed bool `json:"replayed,omitempty"`

	Event   *channel.InboundEvent `json:"event,omitempty"`
	Command *Command              `json:"command,omitempty"`

	// ID correlates a command with its result; chosen by the subscriber.
	ID string `json:"id,omitempty"`
	// NativeID is the platform message id of a delivered command (result).
	NativeID string `json:"native_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func eventFrame(ev channel.InboundEvent, replayed bool) Frame {
	return Frame{Type: FrameEvent, Seq: ev.Seq, Replayed: replayed, Event: &ev}
}
