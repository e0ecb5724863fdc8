package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaymux/relaymux/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.TypeTelegram

const maxMessageLength = 4096

// Adapter connects to the Telegram Bot API with long polling.
type Adapter struct {
	logger *slog.Logger
	token  string
	client *http.Client
}

func New(log *slog.Logger, botToken string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
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
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Text:        true,
			Attachments: true,
			Reply:       true,
			Edit:        true,
		},
	}
}

// Connect starts long-polling for updates. The returned Conn's event stream
// closes when polling stops.
func (a *Adapter) Connect(ctx context.Context) (channel.Conn, error) {
	if strings.TrimSpace(a.token) == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		logger: a.logger,
		bot:    bot,
		events: make(chan channel.InboundEvent, 64),
		cancel: cancel,
	}
	go func() {
		defer close(c.events)
		for {
			select {
			case <-connCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed")
					return
				}
				ev, ok := convertUpdate(update)
				if !ok {
					continue
				}
				select {
				case c.events <- ev:
				case <-connCtx.Done():
					return
				}
			}
		}
	}()
	a.logger.Info("connected", slog.String("bot", bot.Self.UserName))
	return c, nil
}

type conn struct {
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
	events chan channel.InboundEvent
	cancel context.CancelFunc
}

func (c *conn) Events() <-chan channel.InboundEvent {
	return c.events
}

func (c *conn) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	chatID, err := strconv.ParseInt(msg.Target.ID, 10, 64)
	if err != nil {
		return "", channel.NewPermanentSendError(Type, fmt.Errorf("invalid chat id %q: %w", msg.Target.ID, err))
	}
	text := msg.Message.PlainText()
	uploads := payloadAttachments(msg.Message.Attachments)
	if strings.TrimSpace(text) == "" && len(uploads) == 0 {
		return "", channel.NewPermanentSendError(Type, fmt.Errorf("message has no content"))
	}
	var lastID string
	if strings.TrimSpace(text) != "" {
		for _, chunk := range splitMessage(text, maxMessageLength) {
			out := tgbotapi.NewMessage(chatID, chunk)
			if msg.ReplyToNativeID != "" && lastID == "" {
				if replyTo, err := strconv.Atoi(msg.ReplyToNativeID); err == nil {
					out.ReplyToMessageID = replyTo
				}
			}
			sent, err := c.bot.Send(out)
			if err != nil {
				return "", classifySendError(err)
			}
			lastID = strconv.Itoa(sent.MessageID)
		}
	}
	for _, att := range uploads {
		sent, err := c.bot.Send(uploadConfig(chatID, att))
		if err != nil {
			return "", classifySendError(err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
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

// uploadConfig picks the Bot API upload method matching the attachment kind.
func uploadConfig(chatID int64, att channel.Attachment) tgbotapi.Chattable {
	name := att.Payload.Name
	if name == "" {
		name = att.Name
	}
	if name == "" {
		name = "attachment"
	}
	file := tgbotapi.FileReader{Name: name, Reader: att.Payload.Reader}
	switch att.Type {
	case channel.AttachmentImage:
		return tgbotapi.NewPhoto(chatID, file)
	case channel.AttachmentAudio:
		return tgbotapi.NewAudio(chatID, file)
	case channel.AttachmentVoice:
		return tgbotapi.NewVoice(chatID, file)
	case channel.AttachmentVideo:
		return tgbotapi.NewVideo(chatID, file)
	default:
		return tgbotapi.NewDocument(chatID, file)
	}
}

func (c *conn) HealthCheck(ctx context.Context) error {
	if _, err := c.bot.GetMe(); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

func (c *conn) Close(ctx context.Context) error {
	c.bot.StopReceivingUpdates()
	c.cancel()
	return nil
}

// OutboundMime requests JPEG for images the Bot API will not take as photo
// uploads; JPEG and PNG pass through unchanged.
func (a *Adapter) OutboundMime(att channel.Attachment) string {
	if att.Type != channel.AttachmentImage {
		return ""
	}
	switch att.Mime {
	case "", "image/jpeg", "image/png":
		return ""
	default:
		return "image/jpeg"
	}
}

// ResolveAttachment downloads attachment bytes through the Bot API file
// endpoint.
func (a *Adapter) ResolveAttachment(ctx context.Context, att channel.Attachment) (channel.AttachmentPayload, error) {
	url := strings.TrimSpace(att.URL)
	if url == "" {
		fileID := strings.TrimSpace(att.PlatformKey)
		if fileID == "" {
			return channel.AttachmentPayload{}, fmt.Errorf("attachment has no file id")
		}
		bot, err := tgbotapi.NewBotAPI(a.token)
		if err != nil {
			return channel.AttachmentPayload{}, fmt.Errorf("create bot: %w", err)
		}
		url, err = bot.GetFileDirectURL(fileID)
		if err != nil {
			return channel.AttachmentPayload{}, fmt.Errorf("resolve file url: %w", err)
		}
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

// classifySendError maps Bot API errors onto the transient/permanent split.
// Rejected requests (bad chat, kicked bot) will never succeed on retry;
// rate limits and server hiccups will.
func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden, apiErr.Code == http.StatusBadRequest:
			return channel.NewPermanentSendError(Type, err)
		case apiErr.Code == http.StatusTooManyRequests:
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
