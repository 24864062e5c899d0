// ABOUTME: Tests for the Matrix frontend's event routing and messenger.
// ABOUTME: Covers filtering, threads, reaction approvals, and the prompt tracker.

package matrix

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/approval"
	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/dedupe"
)

const botUserID = "@relay:example.org"

// recordingHandler captures dispatched messages and actions.
type recordingHandler struct {
	mu       sync.Mutex
	messages []bridge.InboundMessage
	actions  []bridge.Action
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg bridge.InboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleAction(ctx context.Context, act bridge.Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = append(h.actions, act)
}

func (h *recordingHandler) wait(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		ok := check()
		h.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func testFrontend(t *testing.T, handler bridge.Handler) *Frontend {
	t.Helper()
	client, err := mautrix.NewClient("https://example.org", id.UserID(botUserID), "token")
	require.NoError(t, err)
	cache := dedupe.New(time.Minute, 100, nil)
	t.Cleanup(cache.Close)
	return &Frontend{
		client:  client,
		handler: handler,
		dedupe:  cache,
		allowed: map[string]bool{"!allowed:example.org": true},
		prompts: newPromptTracker(time.Minute),
		logger:  slog.Default(),
	}
}

func messageEvent(room, sender, eventID, body string) *event.Event {
	return &event.Event{
		ID:     id.EventID(eventID),
		RoomID: id.RoomID(room),
		Sender: id.UserID(sender),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func TestHandleMessageEventDispatches(t *testing.T) {
	h := &recordingHandler{}
	f := testFrontend(t, h)

	f.handleMessageEvent(context.Background(),
		messageEvent("!allowed:example.org", "@alice:example.org", "$ev1", "hello"))

	h.wait(t, func() bool { return len(h.messages) == 1 })
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, bridge.InboundMessage{
		Frontend:  "matrix",
		Channel:   "!allowed:example.org",
		MessageID: "$ev1",
		Author:    "@alice:example.org",
		Text:      "hello",
	}, h.messages[0])
}

func TestHandleMessageEventThread(t *testing.T) {
	h := &recordingHandler{}
	f := testFrontend(t, h)

	evt := messageEvent("!allowed:example.org", "@alice:example.org", "$ev2", "in thread")
	evt.Content.Parsed.(*event.MessageEventContent).RelatesTo = &event.RelatesTo{
		Type:    event.RelThread,
		EventID: id.EventID("$root"),
	}
	f.handleMessageEvent(context.Background(), evt)

	h.wait(t, func() bool { return len(h.messages) == 1 })
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "$root", h.messages[0].Thread)
}

func TestHandleMessageEventFilters(t *testing.T) {
	h := &recordingHandler{}
	f := testFrontend(t, h)
	ctx := context.Background()

	// Own message.
	f.handleMessageEvent(ctx, messageEvent("!allowed:example.org", botUserID, "$self", "hi"))
	// Room outside the allow-list.
	f.handleMessageEvent(ctx, messageEvent("!other:example.org", "@alice:example.org", "$other", "hi"))
	// Non-text message.
	img := messageEvent("!allowed:example.org", "@alice:example.org", "$img", "photo")
	img.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgImage
	f.handleMessageEvent(ctx, img)
	// Redelivery of an already-seen event.
	f.handleMessageEvent(ctx, messageEvent("!allowed:example.org", "@alice:example.org", "$dup", "hi"))
	f.handleMessageEvent(ctx, messageEvent("!allowed:example.org", "@alice:example.org", "$dup", "hi"))

	h.wait(t, func() bool { return len(h.messages) == 1 })
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.messages, 1, "only the first $dup delivery dispatches")
}

func reactionEvent(room, sender, target, key string) *event.Event {
	return &event.Event{
		ID:     id.EventID("$reaction"),
		RoomID: id.RoomID(room),
		Sender: id.UserID(sender),
		Content: event.Content{
			Parsed: &event.ReactionEventContent{
				RelatesTo: event.RelatesTo{
					Type:    event.RelAnnotation,
					EventID: id.EventID(target),
					Key:     key,
				},
			},
		},
	}
}

func TestHandleReactionResolvesTrackedPrompt(t *testing.T) {
	h := &recordingHandler{}
	f := testFrontend(t, h)

	tok := approval.NewToken()
	f.prompts.Add("$prompt", approval.Prompt{
		Channel: "!allowed:example.org",
		Thread:  "$root",
		Token:   tok,
	})

	f.handleReactionEvent(context.Background(),
		reactionEvent("!allowed:example.org", "@alice:example.org", "$prompt", "✅"))

	h.wait(t, func() bool { return len(h.actions) == 1 })
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, tok, h.actions[0].Token)
	assert.True(t, h.actions[0].Approved)
	assert.Equal(t, "$root", h.actions[0].Thread)
}

func TestHandleReactionIgnoresUntrackedAndUndecisive(t *testing.T) {
	h := &recordingHandler{}
	f := testFrontend(t, h)
	ctx := context.Background()

	// Reaction on an untracked event.
	f.handleReactionEvent(ctx, reactionEvent("!allowed:example.org", "@alice:example.org", "$unknown", "✅"))

	// Irrelevant emoji on a tracked prompt.
	f.prompts.Add("$prompt", approval.Prompt{Channel: "!allowed:example.org", Token: approval.NewToken()})
	f.handleReactionEvent(ctx, reactionEvent("!allowed:example.org", "@alice:example.org", "$prompt", "🎉"))

	// Own reaction.
	f.handleReactionEvent(ctx, reactionEvent("!allowed:example.org", botUserID, "$prompt", "✅"))

	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.actions)
}

func TestReactionVerdict(t *testing.T) {
	approved, decisive := reactionVerdict("✅")
	assert.True(t, approved)
	assert.True(t, decisive)

	approved, decisive = reactionVerdict("❌")
	assert.False(t, approved)
	assert.True(t, decisive)

	_, decisive = reactionVerdict("🤷")
	assert.False(t, decisive)
}

func TestPromptTrackerExpiry(t *testing.T) {
	tr := newPromptTracker(20 * time.Millisecond)
	tr.window = 20 * time.Millisecond // strip the slack for the test

	tok := approval.NewToken()
	tr.Add("$p1", approval.Prompt{Token: tok})

	got, ok := tr.Get("$p1")
	require.True(t, ok)
	assert.Equal(t, tok, got.Token)
	assert.Equal(t, 1, tr.Len())

	time.Sleep(40 * time.Millisecond)
	_, ok = tr.Get("$p1")
	assert.False(t, ok, "expired prompts are forgotten")
	assert.Equal(t, 0, tr.Len())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "relay_matrix.org", slugify("@relay:matrix.org"))
	assert.Equal(t, "a-b_c.d_e", slugify("@a-b_c.d:e"))
}
