// ABOUTME: Ephemeral status indicator for one in-flight agent turn.
// ABOUTME: Posts, updates, and removes a "working" message; every failure is swallowed.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Indicator texts. Frontends may re-render the emoji shortcodes natively.
const (
	statusThinking   = ":thought_balloon: Thinking..."
	statusProcessing = ":thought_balloon: Processing..."
	statusToolFormat = ":gear: Using `%s`..."
)

// StatusHook manages the single ephemeral status message of one agent
// turn. A missing or broken indicator must never block or fail the turn,
// so every platform error here is logged at debug and dropped.
//
// Lifecycle: Start posts the indicator, ToolStart/ToolEnd rewrite it, and
// Cleanup deletes it. Cleanup is idempotent and safe without a prior
// successful Start. Hooks are never shared across turns.
type StatusHook struct {
	messenger Messenger
	channel   string
	thread    string
	logger    *slog.Logger

	mu    sync.Mutex
	msgID string
}

// NewStatusHook creates a hook that posts into channel/thread.
func NewStatusHook(messenger Messenger, channel, thread string, logger *slog.Logger) *StatusHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHook{
		messenger: messenger,
		channel:   channel,
		thread:    thread,
		logger:    logger.With("component", "status"),
	}
}

// Start posts the initial thinking indicator and records its handle.
func (h *StatusHook) Start(ctx context.Context) {
	msgID, err := h.messenger.PostMessage(ctx, h.channel, h.thread, statusThinking)
	if err != nil {
		h.logger.Debug("posting status indicator", "channel", h.channel, "error", err)
		return
	}
	h.mu.Lock()
	h.msgID = msgID
	h.mu.Unlock()
}

// ToolStart rewrites the indicator to show the running tool. No-op when
// Start never succeeded.
func (h *StatusHook) ToolStart(ctx context.Context, toolName string) {
	h.update(ctx, fmt.Sprintf(statusToolFormat, toolName))
}

// ToolEnd rewrites the indicator back to a processing state.
func (h *StatusHook) ToolEnd(ctx context.Context) {
	h.update(ctx, statusProcessing)
}

func (h *StatusHook) update(ctx context.Context, text string) {
	h.mu.Lock()
	msgID := h.msgID
	h.mu.Unlock()
	if msgID == "" {
		return
	}
	if err := h.messenger.UpdateMessage(ctx, h.channel, msgID, text); err != nil {
		h.logger.Debug("updating status indicator", "channel", h.channel, "error", err)
	}
}

// Cleanup deletes the indicator if one exists, then clears the handle.
// Calling it twice, or after Start never succeeded, is safe.
func (h *StatusHook) Cleanup(ctx context.Context) {
	h.mu.Lock()
	msgID := h.msgID
	h.msgID = ""
	h.mu.Unlock()
	if msgID == "" {
		return
	}
	if err := h.messenger.DeleteMessage(ctx, h.channel, msgID); err != nil {
		h.logger.Debug("deleting status indicator", "channel", h.channel, "error", err)
	}
}
