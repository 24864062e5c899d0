// ABOUTME: Conversation identity, inbound event shapes, and the messenger contract.
// ABOUTME: Defines the narrow surface the bridge consumes from platform adapters.

package bridge

import (
	"context"

	"github.com/2389/coven-relay/internal/approval"
)

// ConversationID identifies one logical conversation: a channel, or a
// thread within a channel, on one frontend. IDs are opaque and derived
// deterministically, so the same coordinates always map to the same
// conversation.
type ConversationID string

// DeriveConversationID builds the stable identifier for a conversation.
// An empty thread scopes the conversation to the whole channel; callers
// that collapse threads pass "" regardless of where the message arrived.
func DeriveConversationID(frontend, channel, thread string) ConversationID {
	if thread == "" {
		return ConversationID(frontend + "-" + channel)
	}
	return ConversationID(frontend + "-" + channel + "-" + thread)
}

// InboundMessage is one user message delivered by a frontend.
type InboundMessage struct {
	// Frontend names the platform adapter that produced the event.
	Frontend string
	// Channel is the platform's channel or room identifier.
	Channel string
	// Thread is the platform's thread marker, empty for top-level messages.
	Thread string
	// MessageID is the platform's identifier for this message, used for
	// reactions and as the reply thread root.
	MessageID string
	// Author is the sender's identity as it should appear in the prompt.
	Author string
	// Text is the raw message text.
	Text string
}

// Action is a human's answer to an interactive approval prompt, already
// parsed by the frontend into a structured token and verdict.
type Action struct {
	Frontend string
	Channel  string
	Thread   string
	Token    approval.Token
	Approved bool
}

// Handler receives inbound events from frontends. Implemented by Router.
type Handler interface {
	HandleMessage(ctx context.Context, msg InboundMessage)
	HandleAction(ctx context.Context, act Action)
}

// Messenger is everything the bridge needs from a messaging platform.
// Message IDs are opaque platform handles (a Slack timestamp, a Matrix
// event ID); the bridge only ever round-trips them.
type Messenger interface {
	approval.PromptPoster

	// PostMessage publishes text in channel. A non-empty thread places the
	// message in that thread.
	PostMessage(ctx context.Context, channel, thread, text string) (messageID string, err error)

	// UpdateMessage replaces the text of a previously posted message.
	UpdateMessage(ctx context.Context, channel, messageID, text string) error

	// DeleteMessage removes a previously posted message.
	DeleteMessage(ctx context.Context, channel, messageID string) error

	// AddReaction attaches a named reaction to a message.
	AddReaction(ctx context.Context, channel, messageID, name string) error

	// RemoveReaction detaches a previously added reaction.
	RemoveReaction(ctx context.Context, channel, messageID, name string) error
}
