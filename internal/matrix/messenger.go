// ABOUTME: Matrix messenger implementing the bridge's platform surface.
// ABOUTME: Threads via m.thread, edits via m.replace, deletes and reaction removal via redaction.

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/approval"
)

// matrixAPI is the subset of *mautrix.Client the messenger uses.
type matrixAPI interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
	SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, reaction string) (*mautrix.RespSendEvent, error)
}

// shortcodes maps the Slack-style emoji codes the bridge uses to Unicode.
// Matrix clients render the raw text, so codes must be translated.
var shortcodes = strings.NewReplacer(
	":thought_balloon:", "\U0001F4AD",
	":gear:", "⚙️",
	":warning:", "⚠️",
	":white_check_mark:", "✅",
	":x:", "❌",
)

// Messenger implements bridge.Messenger against a Matrix homeserver.
// Message IDs are Matrix event IDs.
type Messenger struct {
	api     matrixAPI
	prompts *promptTracker
	logger  *slog.Logger

	// Own reaction event IDs, keyed by room:message:name, so reactions can
	// be removed by redaction later.
	mu        sync.Mutex
	reactions map[string]id.EventID
}

// NewMessenger wraps api. The prompt tracker is shared with the frontend,
// which resolves reactions on tracked prompts.
func NewMessenger(api matrixAPI, prompts *promptTracker, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{
		api:       api,
		prompts:   prompts,
		logger:    logger.With("component", "matrix-messenger"),
		reactions: make(map[string]id.EventID),
	}
}

// render converts bridge text to a Matrix message content: shortcodes
// translated, markdown rendered to HTML with a plain-text fallback body.
func render(text string) event.MessageEventContent {
	return format.RenderMarkdown(shortcodes.Replace(text), true, false)
}

// PostMessage sends text to a room, threaded under thread when non-empty.
func (m *Messenger) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	content := render(text)
	if thread != "" {
		content.RelatesTo = &event.RelatesTo{Type: event.RelThread, EventID: id.EventID(thread)}
	}
	resp, err := m.api.SendMessageEvent(ctx, id.RoomID(channel), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return resp.EventID.String(), nil
}

// UpdateMessage replaces an existing message via an m.replace edit.
func (m *Messenger) UpdateMessage(ctx context.Context, channel, messageID, text string) error {
	content := render(text)
	content.SetEdit(id.EventID(messageID))
	if _, err := m.api.SendMessageEvent(ctx, id.RoomID(channel), event.EventMessage, &content); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return nil
}

// DeleteMessage redacts a message.
func (m *Messenger) DeleteMessage(ctx context.Context, channel, messageID string) error {
	if _, err := m.api.RedactEvent(ctx, id.RoomID(channel), id.EventID(messageID)); err != nil {
		return fmt.Errorf("redacting message: %w", err)
	}
	return nil
}

// AddReaction annotates a message with the named emoji, remembering the
// reaction event ID for later removal.
func (m *Messenger) AddReaction(ctx context.Context, channel, messageID, name string) error {
	resp, err := m.api.SendReaction(ctx, id.RoomID(channel), id.EventID(messageID), reactionEmoji(name))
	if err != nil {
		return fmt.Errorf("sending reaction: %w", err)
	}
	m.mu.Lock()
	m.reactions[reactionKey(channel, messageID, name)] = resp.EventID
	m.mu.Unlock()
	return nil
}

// RemoveReaction redacts a previously added own reaction. Unknown
// reactions are a no-op; the marker may have failed to post.
func (m *Messenger) RemoveReaction(ctx context.Context, channel, messageID, name string) error {
	key := reactionKey(channel, messageID, name)
	m.mu.Lock()
	eventID, ok := m.reactions[key]
	if ok {
		delete(m.reactions, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := m.api.RedactEvent(ctx, id.RoomID(channel), eventID); err != nil {
		return fmt.Errorf("redacting reaction: %w", err)
	}
	return nil
}

// PostApprovalPrompt posts the approval question and registers its event ID
// so the frontend can resolve ✅/❌ reactions against the token.
func (m *Messenger) PostApprovalPrompt(ctx context.Context, p approval.Prompt) (string, error) {
	text := fmt.Sprintf(":warning: **Approval needed**\n%s\n\nReact with ✅ to allow or ❌ to deny.", p.Description)
	content := render(text)
	if p.Thread != "" {
		content.RelatesTo = &event.RelatesTo{Type: event.RelThread, EventID: id.EventID(p.Thread)}
	}
	resp, err := m.api.SendMessageEvent(ctx, id.RoomID(p.Channel), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("sending approval prompt: %w", err)
	}
	m.prompts.Add(resp.EventID, p)
	m.logger.Info("approval prompt posted", "room", p.Channel, "token", p.Token)
	return resp.EventID.String(), nil
}

func reactionKey(channel, messageID, name string) string {
	return channel + ":" + messageID + ":" + name
}

// reactionEmoji maps bridge reaction names to emoji. Matrix reactions are
// literal strings, not shortcode lookups.
func reactionEmoji(name string) string {
	switch name {
	case "loading", "hourglass":
		return "⌛"
	case "white_check_mark":
		return "✅"
	case "x":
		return "❌"
	default:
		return name
	}
}
