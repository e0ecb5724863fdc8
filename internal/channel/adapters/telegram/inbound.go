package telegram

import (
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaymux/relaymux/internal/channel"
)

// convertUpdate normalizes one Bot API update. Updates without message
// content (edits, channel posts, service messages) are skipped.
func convertUpdate(update tgbotapi.Update) (channel.InboundEvent, bool) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return channel.InboundEvent{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	attachments := collectAttachments(m)
	if text == "" && len(attachments) == 0 {
		return channel.InboundEvent{}, false
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	return channel.InboundEvent{
		Channel:      Type,
		Conversation: channel.ConversationRef{Channel: Type, ID: chatID},
		NativeID:     strconv.Itoa(m.MessageID),
		Sender:       convertSender(m.From),
		Message: channel.Message{
			Text:        text,
			Attachments: attachments,
		},
		Received: time.Unix(int64(m.Date), 0).UTC(),
	}, true
}

func convertSender(from *tgbotapi.User) channel.Identity {
	if from == nil {
		return channel.Identity{}
	}
	display := strings.TrimSpace(strings.TrimSpace(from.FirstName) + " " + strings.TrimSpace(from.LastName))
	if display == "" {
		display = from.UserName
	}
	return channel.Identity{
		SubjectID:   strconv.FormatInt(from.ID, 10),
		DisplayName: display,
		Attributes:  map[string]string{"username": from.UserName},
	}
}

// collectAttachments extracts file references. Photos come in multiple
// resolutions; only the largest is kept.
func collectAttachments(m *tgbotapi.Message) []channel.Attachment {
	var out []channel.Attachment
	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		out = append(out, channel.Attachment{
			Type:           channel.AttachmentImage,
			PlatformKey:    best.FileID,
			SourcePlatform: Type,
			Size:           int64(best.FileSize),
		})
	}
	if m.Document != nil {
		out = append(out, channel.Attachment{
			Type:           channel.AttachmentFile,
			PlatformKey:    m.Document.FileID,
			SourcePlatform: Type,
			Name:           m.Document.FileName,
			Mime:           m.Document.MimeType,
			Size:           int64(m.Document.FileSize),
		})
	}
	if m.Voice != nil {
		out = append(out, channel.Attachment{
			Type:           channel.AttachmentVoice,
			PlatformKey:    m.Voice.FileID,
			SourcePlatform: Type,
			Mime:           m.Voice.MimeType,
			Size:           int64(m.Voice.FileSize),
		})
	}
	if m.Video != nil {
		out = append(out, channel.Attachment{
			Type:           channel.AttachmentVideo,
			PlatformKey:    m.Video.FileID,
			SourcePlatform: Type,
			Mime:           m.Video.MimeType,
			Size:           int64(m.Video.FileSize),
		})
	}
	if m.Audio != nil {
		out = append(out, channel.Attachment{
			Type:           channel.AttachmentAudio,
			PlatformKey:    m.Audio.FileID,
			SourcePlatform: Type,
			Name:           m.Audio.FileName,
			Mime:           m.Audio.MimeType,
			Size:           int64(m.Audio.FileSize),
		})
	}
	return out
}
