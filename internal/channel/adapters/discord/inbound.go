package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/relaymux/relaymux/internal/channel"
)

// convertMessage normalizes one gateway message. Messages with neither text
// nor attachments are skipped.
func convertMessage(m *discordgo.Message) (channel.InboundEvent, bool) {
	if m == nil || m.ChannelID == "" {
		return channel.InboundEvent{}, false
	}
	text := strings.TrimSpace(m.Content)
	attachments := convertAttachments(m.Attachments)
	if text == "" && len(attachments) == 0 {
		return channel.InboundEvent{}, false
	}
	ev := channel.InboundEvent{
		Channel:      Type,
		Conversation: channel.ConversationRef{Channel: Type, ID: m.ChannelID},
		NativeID:     m.ID,
		Message: channel.Message{
			Text:        text,
			Attachments: attachments,
		},
	}
	if m.Author != nil {
		ev.Sender = channel.Identity{
			SubjectID:   m.Author.ID,
			DisplayName: m.Author.Username,
		}
	}
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		ev.Received = ts.UTC()
	}
	return ev, true
}

func convertAttachments(atts []*discordgo.MessageAttachment) []channel.Attachment {
	var out []channel.Attachment
	for _, att := range atts {
		if att == nil || att.URL == "" {
			continue
		}
		out = append(out, channel.Attachment{
			Type:           attachmentType(att.ContentType),
			URL:            att.URL,
			SourcePlatform: Type,
			Name:           att.Filename,
			Mime:           att.ContentType,
			Size:           int64(att.Size),
		})
	}
	return out
}

func attachmentType(mime string) channel.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return channel.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return channel.AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return channel.AttachmentVideo
	default:
		return channel.AttachmentFile
	}
}
