package slack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/relaymux/relaymux/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.TypeSlack

const maxMessageLength = 4000

// Adapter connects to Slack over Socket Mode.
type Adapter struct {
	logger   *slog.Logger
	botToken string
	appToken string
}

func New(log *slog.Logger, botToken, appToken string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "slack")),
		botToken: botToken,
		appToken: appToken,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Slack",
		Capabilities: channel.Capabilities{
			Text:        true,
			Attachments: true,
			Reply:       true,
			Reactions:   true,
			Edit:        true,
		},
	}
}

func (a *Adapter) Connect(ctx context.Context) (channel.Conn, error) {
	if strings.TrimSpace(a.botToken) == "" || strings.TrimSpace(a.appToken) == "" {
		return nil, fmt.Errorf("slack bot and app tokens are required")
	}
	api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}
	a.logger.Info("connected",
		slog.String("user", authResp.User),
		slog.String("user_id", authResp.UserID),
	)

	socket := socketmode.New(api)
	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		logger: a.logger,
		api:    api,
		socket: socket,
		botUID: authResp.UserID,
		events: make(chan channel.InboundEvent, 64),
		cancel: cancel,
	}

	go c.pump(connCtx)
	go func() {
		if err := socket.RunContext(connCtx); err != nil && connCtx.Err() == nil {
			a.logger.Error("socket mode terminated", slog.Any("error", err))
		}
		cancel()
	}()
	return c, nil
}

type conn struct {
	logger *slog.Logger
	api    *slackapi.Client
	socket *socketmode.Client
	botUID string
	events chan channel.InboundEvent
	cancel context.CancelFunc
}

// pump converts Socket Mode traffic into the normalized stream. Every
// request is acked, even unhandled kinds, or Slack tears the socket down.
func (c *conn) pump(ctx context.Context) {
	defer close(c.events)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.socket.Ack(*evt.Request)
			if ev, ok := convertEvent(apiEvent, c.botUID); ok {
				select {
				case c.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *conn) Events() <-chan channel.InboundEvent {
	return c.events
}

func (c *conn) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	text := msg.Message.PlainText()
	uploads := payloadAttachments(msg.Message.Attachments)
	if strings.TrimSpace(text) == "" && len(uploads) == 0 {
		return "", channel.NewPermanentSendError(Type, fmt.Errorf("message has no content"))
	}
	var lastTS string
	if strings.TrimSpace(text) != "" {
		for _, chunk := range splitMessage(text, maxMessageLength) {
			opts := []slackapi.MsgOption{slackapi.MsgOptionText(chunk, false)}
			if msg.ReplyToNativeID != "" {
				opts = append(opts, slackapi.MsgOptionTS(msg.ReplyToNativeID))
			}
			_, ts, err := c.api.PostMessageContext(ctx, msg.Target.ID, opts...)
			if err != nil {
				return "", classifySendError(err)
			}
			lastTS = ts
		}
	}
	for _, att := range uploads {
		name := att.Payload.Name
		if name == "" {
			name = att.Name
		}
		if name == "" {
			name = "attachment"
		}
		if _, err := c.api.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
			Channel:  msg.Target.ID,
			Filename: name,
			FileSize: int(att.Payload.Size),
			Reader:   att.Payload.Reader,
		}); err != nil {
			return "", classifySendError(err)
		}
	}
	return lastTS, nil
}

func payloadAttachments(atts []channel.Attachment) []channel.Attachment {
	var out []channel.Attachment
	for _, att := range atts {
		if att.Payload != nil && att.Payload.Reader != nil {
			out = append(out, att)
		}
	}
	return out
}

func (c *conn) HealthCheck(ctx context.Context) error {
	if _, err := c.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	return nil
}

func (c *conn) Close(ctx context.Context) error {
	c.cancel()
	return nil
}

// ResolveAttachment streams a Slack-hosted file. Slack private URLs require
// the bot token, which the client injects.
func (a *Adapter) ResolveAttachment(ctx context.Context, att channel.Attachment) (channel.AttachmentPayload, error) {
	url := strings.TrimSpace(att.URL)
	if url == "" {
		return channel.AttachmentPayload{}, fmt.Errorf("attachment has no url")
	}
	api := slackapi.New(a.botToken)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(api.GetFileContext(ctx, url, pw))
	}()
	return channel.AttachmentPayload{
		Reader: pr,
		Mime:   att.Mime,
		Name:   att.Name,
		Size:   att.Size,
	}, nil
}

// React adds an emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, conversation channel.ConversationRef, messageID, emoji string) error {
	api := slackapi.New(a.botToken)
	return api.AddReactionContext(ctx, strings.Trim(emoji, ":"), slackapi.ItemRef{
		Channel:   conversation.ID,
		Timestamp: messageID,
	})
}

// Unreact removes the bot's emoji reaction from a message.
func (a *Adapter) Unreact(ctx context.Context, conversation channel.ConversationRef, messageID, emoji string) error {
	api := slackapi.New(a.botToken)
	return api.RemoveReactionContext(ctx, strings.Trim(emoji, ":"), slackapi.ItemRef{
		Channel:   conversation.ID,
		Timestamp: messageID,
	})
}

// permanentSendFailures are Slack API error strings that no retry can fix.
var permanentSendFailures = map[string]struct{}{
	"channel_not_found": {},
	"not_in_channel":    {},
	"is_archived":       {},
	"msg_too_long":      {},
	"restricted_action": {},
	"access_denied":     {},
	"account_inactive":  {},
	"invalid_auth":      {},
}

// classifySendError maps Slack API errors onto the transient/permanent
// split. Slack reports API failures as bare error strings; rate limits and
// transport errors fall through to transient.
func classifySendError(err error) error {
	if _, ok := permanentSendFailures[err.Error()]; ok {
		return channel.NewPermanentSendError(Type, err)
	}
	return channel.NewTransientSendError(Type, err)
}

func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	var secs int64
	if _, err := fmt.Sscanf(parts[0], "%d", &secs); err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
