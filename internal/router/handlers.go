package router

import (
	"context"

	"github.com/relaymux/relaymux/internal/channel"
)

// Predicate decides whether a handler wants a given event.
type Predicate func(channel.InboundEvent) bool

// MatchAll accepts every event.
func MatchAll() Predicate {
	return func(channel.InboundEvent) bool { return true }
}

// MatchChannel accepts events from any of the given channel types.
func MatchChannel(types ...channel.ChannelType) Predicate {
	set := make(map[channel.ChannelType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev channel.InboundEvent) bool {
		_, ok := set[ev.Channel]
		return ok
	}
}

// MatchConversation accepts events from exactly one conversation.
func MatchConversation(ref channel.ConversationRef) Predicate {
	key := ref.Key()
	return func(ev channel.InboundEvent) bool {
		return ev.Conversation.Key() == key
	}
}

// Result is what a handler returns for one event. A non-nil Reply is handed
// to the outbound dispatcher. Stop suppresses lower-priority handlers for
// this event only.
type Result struct {
	Reply *channel.OutboundMessage
	Stop  bool
}

// HandlerFunc processes one inbound event. The context carries the per-event
// dispatch deadline; handlers that outlive it are abandoned, not killed.
type HandlerFunc func(ctx context.Context, ev channel.InboundEvent) (Result, error)

// Registration describes one handler. Handlers with a higher Priority run
// first; among equal priorities, registration order is preserved.
type Registration struct {
	Name     string
	Priority int
	Match    Predicate
	Handle   HandlerFunc
}
