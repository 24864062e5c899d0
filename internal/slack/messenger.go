// ABOUTME: Slack Web API messenger implementing the bridge's platform surface.
// ABOUTME: Posts threaded messages, edits, reactions, and approval prompt blocks.

package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/2389/coven-relay/internal/approval"
)

// approvalBlockID marks the action block carrying the allow/deny buttons.
const approvalBlockID = "approval_actions"

// slackAPI is the subset of *slack.Client the frontend uses. Narrowed to an
// interface so tests can substitute a fake.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channelID, messageTimestamp string) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// Messenger implements bridge.Messenger against the Slack Web API. Message
// IDs are Slack timestamps.
type Messenger struct {
	api    slackAPI
	logger *slog.Logger
}

// NewMessenger wraps api.
func NewMessenger(api slackAPI, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{api: api, logger: logger.With("component", "slack-messenger")}
}

// PostMessage posts text to channel, threaded under thread when non-empty.
// Link unfurling is off; agent replies are full of URLs.
func (m *Messenger) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	_, ts, err := m.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("posting message: %w", err)
	}
	return ts, nil
}

// UpdateMessage replaces the text of an existing message.
func (m *Messenger) UpdateMessage(ctx context.Context, channel, messageID, text string) error {
	_, _, _, err := m.api.UpdateMessageContext(ctx, channel, messageID,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message.
func (m *Messenger) DeleteMessage(ctx context.Context, channel, messageID string) error {
	if _, _, err := m.api.DeleteMessageContext(ctx, channel, messageID); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// AddReaction adds the named emoji reaction to a message.
func (m *Messenger) AddReaction(ctx context.Context, channel, messageID, name string) error {
	if err := m.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, messageID)); err != nil {
		return fmt.Errorf("adding reaction: %w", err)
	}
	return nil
}

// RemoveReaction removes the named emoji reaction from a message.
func (m *Messenger) RemoveReaction(ctx context.Context, channel, messageID, name string) error {
	if err := m.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channel, messageID)); err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}
	return nil
}

// PostApprovalPrompt posts the interactive approval message: a section with
// the description and an action block whose button IDs are the token's wire
// tags. The interaction handler recovers the verdict from the clicked ID.
func (m *Messenger) PostApprovalPrompt(ctx context.Context, p approval.Prompt) (string, error) {
	text := fmt.Sprintf(":warning: *Approval needed*\n%s", p.Description)

	allow := slack.NewButtonBlockElement(
		p.Token.AllowTag(),
		p.Token.AllowTag(),
		slack.NewTextBlockObject(slack.PlainTextType, "Allow", false, false),
	).WithStyle(slack.StylePrimary)
	deny := slack.NewButtonBlockElement(
		p.Token.DenyTag(),
		p.Token.DenyTag(),
		slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false),
	).WithStyle(slack.StyleDanger)

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
		slack.NewActionBlock(approvalBlockID, allow, deny),
	}

	opts := []slack.MsgOption{slack.MsgOptionBlocks(blocks...)}
	if p.Thread != "" {
		opts = append(opts, slack.MsgOptionTS(p.Thread))
	}
	_, ts, err := m.api.PostMessageContext(ctx, p.Channel, opts...)
	if err != nil {
		return "", fmt.Errorf("posting approval prompt: %w", err)
	}
	m.logger.Info("approval prompt posted", "channel", p.Channel, "token", p.Token)
	return ts, nil
}
