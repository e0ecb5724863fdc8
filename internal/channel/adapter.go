package channel

import (
	"context"
	"io"
)

// Capabilities describes what a channel platform supports. The core consults
// it only for coarse decisions; feature mapping beyond this is adapter-internal
// and may be lossy per platform.
type Capabilities struct {
	Text        bool `json:"text"`
	Attachments bool `json:"attachments"`
	Reply       bool `json:"reply"`
	Reactions   bool `json:"reactions"`
	Edit        bool `json:"edit"`
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type         ChannelType  `json:"type"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Adapter is the per-platform contract the core depends on. Platform
// credentials and protocol details are adapter-internal.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
	// Connect establishes a live connection. Each call yields a fresh Conn;
	// a Conn whose event stream has ended cannot be restarted.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is an active, long-lived link to a channel platform.
type Conn interface {
	// Events returns the normalized inbound stream. The channel is closed
	// when the connection dies; the supervisor then reconnects via Connect.
	Events() <-chan InboundEvent
	// Send delivers one outbound message and returns the platform-native
	// message id. Send calls are serialized per connection by the dispatcher.
	Send(ctx context.Context, msg OutboundMessage) (string, error)
	// HealthCheck probes the connection. A non-nil error marks it Degraded.
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// AttachmentPayload contains resolved attachment bytes and metadata.
// Caller must close Reader.
type AttachmentPayload struct {
	Reader io.ReadCloser
	Mime   string
	Name   string
	Size   int64
}

// AttachmentResolver resolves attachment references (URL or platform key)
// into readable bytes for the media pipeline. Optional per adapter.
type AttachmentResolver interface {
	ResolveAttachment(ctx context.Context, attachment Attachment) (AttachmentPayload, error)
}

// MediaPolicy lets an adapter request a different encoding for outbound
// attachment payloads. Optional per adapter; the dispatcher consults it
// before opening cached bytes.
type MediaPolicy interface {
	// OutboundMime returns the MIME type the platform needs for the given
	// attachment, or "" to deliver the stored encoding unchanged.
	OutboundMime(att Attachment) string
}

// Reactor adds or removes emoji reactions on messages. Optional per adapter.
type Reactor interface {
	React(ctx context.Context, conversation ConversationRef, messageID, emoji string) error
	Unreact(ctx context.Context, conversation ConversationRef, messageID, emoji string) error
}

// MessageEditor updates or deletes already-sent messages. Optional per adapter.
type MessageEditor interface {
	Update(ctx context.Context, conversation ConversationRef, messageID string, msg Message) error
	Unsend(ctx context.Context, conversation ConversationRef, messageID string) error
}
