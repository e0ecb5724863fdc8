// Package channel defines the canonical event model shared by all platform
// adapters and the routing core, plus the adapter contract and registry.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "telegram", "discord").
// Extension channels register their own types; the core treats the set as open.
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Well-known channel types. Adapters for other platforms pick their own.
const (
	TypeTelegram ChannelType = "telegram"
	TypeDiscord  ChannelType = "discord"
	TypeSlack    ChannelType = "slack"
	TypeSignal   ChannelType = "signal"
	TypeIMessage ChannelType = "imessage"
	TypeWhatsApp ChannelType = "whatsapp"
	TypeLocal    ChannelType = "local"
)

// ConversationRef names one logical thread scoped to a channel. It is the
// ordering domain: the router serializes dispatch per ConversationRef.
type ConversationRef struct {
	Channel ChannelType `json:"channel"`
	ID      string      `json:"id"`
}

// Key returns a stable map key for the conversation.
func (c ConversationRef) Key() string {
	return string(c.Channel) + ":" + c.ID
}

// IsZero reports whether the reference is unset.
func (c ConversationRef) IsZero() bool {
	return c.Channel == "" && c.ID == ""
}

// Identity represents a sender's identity on a channel.
type Identity struct {
	SubjectID   string            `json:"subject_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// AttachmentType classifies the kind of binary attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentVoice AttachmentType = "voice"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a reference to binary content. Events carry references only;
// bytes move through the media pipeline, never inline in the event stream.
type Attachment struct {
	Type AttachmentType `json:"type"`
	// URL is a platform-fetchable location, preferred for portability.
	URL string `json:"url,omitempty"`
	// PlatformKey is a platform-native file handle when no URL exists.
	PlatformKey    string `json:"platform_key,omitempty"`
	SourcePlatform ChannelType `json:"source_platform,omitempty"`
	// ContentHash is set once the media pipeline has ingested the bytes.
	ContentHash string `json:"content_hash,omitempty"`
	Name        string `json:"name,omitempty"`
	Mime        string `json:"mime,omitempty"`
	Size        int64  `json:"size,omitempty"`
	// Payload carries opened asset bytes during outbound delivery. The
	// dispatcher populates it from the media cache per attempt; it never
	// crosses the wire.
	Payload *AttachmentPayload `json:"-"`
}

// Reference returns the strongest available attachment reference.
func (a Attachment) Reference() string {
	if strings.TrimSpace(a.URL) != "" {
		return strings.TrimSpace(a.URL)
	}
	return strings.TrimSpace(a.PlatformKey)
}

// HasReference reports whether the attachment can be resolved to bytes.
func (a Attachment) HasReference() bool {
	return a.Reference() != "" || strings.TrimSpace(a.ContentHash) != ""
}

// MessagePartType identifies the kind of a structured message part.
type MessagePartType string

const (
	MessagePartText    MessagePartType = "text"
	MessagePartLink    MessagePartType = "link"
	MessagePartCode    MessagePartType = "code"
	MessagePartMention MessagePartType = "mention"
)

// MessagePart is a single element within a structured message.
type MessagePart struct {
	Type MessagePartType `json:"type"`
	Text string          `json:"text,omitempty"`
	URL  string          `json:"url,omitempty"`
}

// Message is the unified payload used across all channels.
type Message struct {
	Text        string         `json:"text,omitempty"`
	Parts       []MessagePart  `json:"parts,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsEmpty reports whether the message carries no content.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" &&
		len(m.Parts) == 0 &&
		len(m.Attachments) == 0
}

// PlainText extracts the plain text representation of the message.
func (m Message) PlainText() string {
	if strings.TrimSpace(m.Text) != "" {
		return strings.TrimSpace(m.Text)
	}
	lines := make([]string, 0, len(m.Parts))
	for _, part := range m.Parts {
		value := strings.TrimSpace(part.Text)
		if value == "" && part.Type == MessagePartLink {
			value = strings.TrimSpace(part.URL)
		}
		if value != "" {
			lines = append(lines, value)
		}
	}
	return strings.Join(lines, "\n")
}

// InboundEvent is the canonical normalized inbound message. It is immutable
// once the router has assigned sequence numbers.
type InboundEvent struct {
	Channel      ChannelType     `json:"channel"`
	Conversation ConversationRef `json:"conversation"`
	// NativeID is the platform-native message identifier.
	NativeID string    `json:"native_id"`
	Sender   Identity  `json:"sender,omitempty"`
	Message  Message   `json:"message"`
	Received time.Time `json:"received"`
	// Seq is the globally monotonic sequence number assigned by the router.
	Seq uint64 `json:"seq,omitempty"`
	// ConvSeq is the per-conversation sequence number assigned by the router.
	ConvSeq uint64 `json:"conv_seq,omitempty"`
}

// IdempotencyKey derives the dedup key for the event. It is unique per
// (channel kind, native id) pair.
func (e InboundEvent) IdempotencyKey() string {
	return string(e.Channel) + ":" + e.NativeID
}

// OutboundMessage is a send request targeting one conversation. It is
// destroyed on a terminal delivery outcome.
type OutboundMessage struct {
	Target  ConversationRef `json:"target"`
	Message Message         `json:"message"`
	// IdempotencyToken is caller-supplied; retries preserve it so the
	// adapter or platform can collapse duplicates where supported.
	IdempotencyToken string `json:"idempotency_token,omitempty"`
	// Deadline bounds delivery; zero means the dispatcher default applies.
	Deadline time.Time `json:"deadline,omitempty"`
	// ReplyToNativeID correlates the send with an inbound message, when the
	// platform supports threading replies.
	ReplyToNativeID string `json:"reply_to_native_id,omitempty"`
}
