package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/relaymux/relaymux/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.TypeDiscord

const maxMessageLength = 2000

// staleHeartbeat marks the gateway session unhealthy when the last heartbeat
// ack is older than this.
const staleHeartbeat = 5 * time.Minute

// Adapter connects to the Discord gateway.
type Adapter struct {
	logger *slog.Logger
	token  string
	client *http.Client

	mu      sync.RWMutex
	current *discordgo.Session
}

func New(log *slog.Logger, botToken string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "discord")),
		token:  botToken,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Discord",
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
	if strings.TrimSpace(a.token) == "" {
		return nil, fmt.Errorf("discord bot token is empty")
	}
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &conn{
		session: session,
		events:  make(chan channel.InboundEvent, 64),
		done:    make(chan struct{}),
	}
	removeMsg := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if ev, ok := convertMessage(m.Message); ok {
			c.deliver(ev)
		}
	})
	c.removers = append(c.removers, removeMsg)

	if err := session.Open(); err != nil {
		removeMsg()
		return nil, fmt.Errorf("open gateway: %w", err)
	}
	a.mu.Lock()
	a.current = session
	a.mu.Unlock()
	a.logger.Info("connected", slog.String("user", session.State.User.Username))
	return c, nil
}

func (a *Adapter) liveSession() (*discordgo.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return nil, channel.ErrNotConnected
	}
	return a.current, nil
}

// React adds an emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, conversation channel.ConversationRef, messageID, emoji string) error {
	session, err := a.liveSession()
	if err != nil {
		return err
	}
	return session.MessageReactionAdd(conversation.ID, messageID, emoji, discordgo.WithContext(ctx))
}

// Unreact removes the bot's emoji reaction from a message.
func (a *Adapter) Unreact(ctx context.Context, conversation channel.ConversationRef, messageID, emoji string) error {
	session, err := a.liveSession()
	if err != nil {
		return err
	}
	return session.MessageReactionRemove(conversation.ID, messageID, emoji, "@me", discordgo.WithContext(ctx))
}

// Update edits an already-sent message.
func (a *Adapter) Update(ctx context.Context, conversation channel.ConversationRef, messageID string, msg channel.Message) error {
	session, err := a.liveSession()
	if err != nil {
		return err
	}
	_, err = session.ChannelMessageEdit(conversation.ID, messageID, msg.PlainText(), discordgo.WithContext(ctx))
	return err
}

// Unsend deletes an already-sent message.
func (a *Adapter) Unsend(ctx context.Context, conversation channel.ConversationRef, messageID string) error {
	session, err := a.liveSession()
	if err != nil {
		return err
	}
	return session.ChannelMessageDelete(conversation.ID, messageID, discordgo.WithContext(ctx))
}

type conn struct {
	session  *discordgo.Session
	events   chan channel.InboundEvent
	done     chan struct{}
	removers []func()
	once     sync.Once

	mu      sync.Mutex
	closed  bool
	sending sync.WaitGroup
}

// deliver blocks until the consumer drains the buffer, so a slow reader
// backpressures the gateway callbacks instead of losing messages. Close
// unblocks any callback still waiting.
func (c *conn) deliver(ev channel.InboundEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.sending.Add(1)
	c.mu.Unlock()
	defer c.sending.Done()
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *conn) Events() <-chan channel.InboundEvent {
	return c.events
}

func (c *conn) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	text := msg.Message.PlainText()
	files := outboundFiles(msg.Message.Attachments)
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		return "", channel.NewPermanentSendError(Type, fmt.Errorf("message has no content"))
	}
	chunks := []string{""}
	if strings.TrimSpace(text) != "" {
		chunks = splitMessage(text, maxMessageLength)
	}
	var lastID string
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if msg.ReplyToNativeID != "" && lastID == "" {
			send.Reference = &discordgo.MessageReference{
				MessageID: msg.ReplyToNativeID,
				ChannelID: msg.Target.ID,
			}
		}
		if i == len(chunks)-1 {
			send.Files = files
		}
		sent, err := c.session.ChannelMessageSendComplex(msg.Target.ID, send, discordgo.WithContext(ctx))
		if err != nil {
			return "", classifySendError(err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// outboundFiles converts opened attachment payloads into upload descriptors.
func outboundFiles(atts []channel.Attachment) []*discordgo.File {
	var files []*discordgo.File
	for _, att := range atts {
		if att.Payload == nil || att.Payload.Reader == nil {
			continue
		}
		name := att.Payload.Name
		if name == "" {
			name = att.Name
		}
		if name == "" {
			name = "attachment"
		}
		files = append(files, &discordgo.File{
			Name:        name,
			ContentType: att.Payload.Mime,
			Reader:      att.Payload.Reader,
		})
	}
	return files
}

func (c *conn) HealthCheck(ctx context.Context) error {
	if latency := c.session.HeartbeatLatency(); latency > staleHeartbeat {
		return fmt.Errorf("discord heartbeat stale: %v", latency)
	}
	return nil
}

func (c *conn) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		for _, remove := range c.removers {
			remove()
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.sending.Wait()
		if c.session != nil {
			err = c.session.Close()
		}
		close(c.events)
	})
	return err
}

// ResolveAttachment downloads attachment bytes from the CDN URL Discord
// already provides on the message.
func (a *Adapter) ResolveAttachment(ctx context.Context, att channel.Attachment) (channel.AttachmentPayload, error) {
	url := strings.TrimSpace(att.URL)
	if url == "" {
		return channel.AttachmentPayload{}, fmt.Errorf("attachment has no url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return channel.AttachmentPayload{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.AttachmentPayload{}, fmt.Errorf("download attachment: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return channel.AttachmentPayload{}, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	return channel.AttachmentPayload{
		Reader: resp.Body,
		Mime:   resp.Header.Get("Content-Type"),
		Name:   att.Name,
		Size:   resp.ContentLength,
	}, nil
}

// classifySendError maps REST errors onto the transient/permanent split.
func classifySendError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
			return channel.NewPermanentSendError(Type, err)
		case http.StatusTooManyRequests:
			return channel.NewTransientSendError(Type, err)
		}
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
