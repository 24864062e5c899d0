// ABOUTME: The channel_reply pass-through tool exposed to the agent.
// ABOUTME: Lets the agent post a message to the conversation that started its turn.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/runtime"
)

// ChannelReplyToolName is the tool identifier advertised to the runtime.
const ChannelReplyToolName = "channel_reply"

const channelReplyPreviewLen = 80

var channelReplySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"message": {
			"type": "string",
			"description": "The message text to post to the conversation"
		}
	},
	"required": ["message"]
}`)

// ChannelReplyTool builds the pass-through tool for one conversation. The
// agent calls it to post a message mid-turn; the message lands wherever
// the router pointed the reply target when the turn began. Invoking it
// with no turn in flight, or with an empty message, fails with a
// descriptive error instead of posting.
func ChannelReplyTool(messenger Messenger, target *ReplyTarget) runtime.Tool {
	return runtime.Tool{
		Name:        ChannelReplyToolName,
		Description: "Post a message to the conversation that originated the current turn.",
		InputSchema: channelReplySchema,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid channel_reply input: %w", err)
			}
			if strings.TrimSpace(args.Message) == "" {
				return "", fmt.Errorf("message cannot be empty")
			}
			channel, thread, ok := target.Get()
			if !ok {
				return "", fmt.Errorf("no conversation attached (tool not available outside a turn)")
			}
			if _, err := messenger.PostMessage(ctx, channel, thread, args.Message); err != nil {
				return "", fmt.Errorf("posting message: %w", err)
			}
			return fmt.Sprintf("Posted: %s", preview(args.Message, channelReplyPreviewLen)), nil
		},
	}
}

// preview shortens s to at most maxRunes runes, appending "..." when cut.
func preview(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
