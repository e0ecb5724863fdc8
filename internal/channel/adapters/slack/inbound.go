package slack

import (
	"strings"

	"github.com/slack-go/slack/slackevents"

	"github.com/relaymux/relaymux/internal/channel"
)

// convertEvent normalizes an Events API callback. The bot's own messages and
// message-changed subtypes are skipped; app mentions have the mention prefix
// stripped.
func convertEvent(event slackevents.EventsAPIEvent, botUID string) (channel.InboundEvent, bool) {
	if event.Type != slackevents.CallbackEvent {
		return channel.InboundEvent{}, false
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == botUID || ev.User == "" || ev.SubType != "" {
			return channel.InboundEvent{}, false
		}
		text := strings.TrimSpace(ev.Text)
		attachments := convertFiles(ev.Files)
		if text == "" && len(attachments) == 0 {
			return channel.InboundEvent{}, false
		}
		return channel.InboundEvent{
			Channel:      Type,
			Conversation: channel.ConversationRef{Channel: Type, ID: ev.Channel},
			NativeID:     ev.TimeStamp,
			Sender:       channel.Identity{SubjectID: ev.User},
			Message: channel.Message{
				Text:        text,
				Attachments: attachments,
			},
			Received: parseSlackTimestamp(ev.TimeStamp),
		}, true
	case *slackevents.AppMentionEvent:
		if ev.User == botUID || ev.User == "" {
			return channel.InboundEvent{}, false
		}
		text := ev.Text
		if idx := strings.Index(text, ">"); idx >= 0 {
			text = strings.TrimSpace(text[idx+1:])
		}
		if text == "" {
			return channel.InboundEvent{}, false
		}
		return channel.InboundEvent{
			Channel:      Type,
			Conversation: channel.ConversationRef{Channel: Type, ID: ev.Channel},
			NativeID:     ev.TimeStamp,
			Sender:       channel.Identity{SubjectID: ev.User},
			Message:      channel.Message{Text: text},
			Received:     parseSlackTimestamp(ev.TimeStamp),
		}, true
	default:
		return channel.InboundEvent{}, false
	}
}

func convertFiles(files []slackevents.File) []channel.Attachment {
	var out []channel.Attachment
	for _, f := range files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		if url == "" {
			continue
		}
		out = append(out, channel.Attachment{
			Type:           attachmentType(f.Mimetype),
			URL:            url,
			SourcePlatform: Type,
			Name:           f.Name,
			Mime:           f.Mimetype,
			Size:           int64(f.Size),
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
