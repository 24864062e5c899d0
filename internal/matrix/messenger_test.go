// ABOUTME: Tests for the Matrix messenger against a recording fake client.
// ABOUTME: Covers threading, edits, redactions, reaction tracking, and prompts.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/approval"
)

type sentEvent struct {
	room    id.RoomID
	content *event.MessageEventContent
}

type sentReaction struct {
	room   id.RoomID
	target id.EventID
	key    string
}

// fakeMatrixAPI records calls and hands out sequential event IDs.
type fakeMatrixAPI struct {
	mu        sync.Mutex
	sent      []sentEvent
	redacted  []id.EventID
	reactions []sentReaction
	nextID    int
	sendErr   error
}

func (f *fakeMatrixAPI) allocID() id.EventID {
	f.nextID++
	return id.EventID(fmt.Sprintf("$sent-%d", f.nextID))
}

func (f *fakeMatrixAPI) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentEvent{room: roomID, content: contentJSON.(*event.MessageEventContent)})
	return &mautrix.RespSendEvent{EventID: f.allocID()}, nil
}

func (f *fakeMatrixAPI) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return &mautrix.RespSendEvent{EventID: f.allocID()}, nil
}

func (f *fakeMatrixAPI) SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, reaction string) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, sentReaction{room: roomID, target: eventID, key: reaction})
	return &mautrix.RespSendEvent{EventID: f.allocID()}, nil
}

func newTestMessenger(t *testing.T) (*Messenger, *fakeMatrixAPI) {
	t.Helper()
	api := &fakeMatrixAPI{}
	return NewMessenger(api, newPromptTracker(time.Minute), nil), api
}

func TestPostMessage(t *testing.T) {
	m, api := newTestMessenger(t)

	eventID, err := m.PostMessage(context.Background(), "!room:x", "", "hello *there*")
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)

	require.Len(t, api.sent, 1)
	assert.Equal(t, id.RoomID("!room:x"), api.sent[0].room)
	assert.Nil(t, api.sent[0].content.RelatesTo)
	assert.Contains(t, api.sent[0].content.Body, "hello")
}

func TestPostMessageThreaded(t *testing.T) {
	m, api := newTestMessenger(t)

	_, err := m.PostMessage(context.Background(), "!room:x", "$root", "reply")
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	rel := api.sent[0].content.RelatesTo
	require.NotNil(t, rel)
	assert.Equal(t, event.RelThread, rel.Type)
	assert.Equal(t, id.EventID("$root"), rel.EventID)
}

func TestPostMessageError(t *testing.T) {
	m, api := newTestMessenger(t)
	api.sendErr = errors.New("M_FORBIDDEN")

	_, err := m.PostMessage(context.Background(), "!room:x", "", "hello")
	assert.Error(t, err)
}

func TestUpdateMessageSetsEdit(t *testing.T) {
	m, api := newTestMessenger(t)

	err := m.UpdateMessage(context.Background(), "!room:x", "$orig", "edited")
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	rel := api.sent[0].content.RelatesTo
	require.NotNil(t, rel)
	assert.Equal(t, event.RelReplace, rel.Type)
	assert.Equal(t, id.EventID("$orig"), rel.EventID)
}

func TestDeleteMessageRedacts(t *testing.T) {
	m, api := newTestMessenger(t)

	err := m.DeleteMessage(context.Background(), "!room:x", "$gone")
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{"$gone"}, api.redacted)
}

func TestReactionAddAndRemove(t *testing.T) {
	m, api := newTestMessenger(t)
	ctx := context.Background()

	require.NoError(t, m.AddReaction(ctx, "!room:x", "$msg", "loading"))
	require.Len(t, api.reactions, 1)
	assert.Equal(t, "⌛", api.reactions[0].key)
	assert.Equal(t, id.EventID("$msg"), api.reactions[0].target)

	require.NoError(t, m.RemoveReaction(ctx, "!room:x", "$msg", "loading"))
	require.Len(t, api.redacted, 1)

	// Removing again is a no-op: the tracked ID is gone.
	require.NoError(t, m.RemoveReaction(ctx, "!room:x", "$msg", "loading"))
	assert.Len(t, api.redacted, 1)
}

func TestRemoveUnknownReactionIsNoOp(t *testing.T) {
	m, api := newTestMessenger(t)

	require.NoError(t, m.RemoveReaction(context.Background(), "!room:x", "$msg", "loading"))
	assert.Empty(t, api.redacted)
}

func TestPostApprovalPromptTracksEvent(t *testing.T) {
	m, api := newTestMessenger(t)

	p := approval.Prompt{
		ConversationID: "matrix-!room:x",
		Channel:        "!room:x",
		Description:    "Run `rm -rf /tmp/scratch`?",
		Token:          approval.NewToken(),
	}
	eventID, err := m.PostApprovalPrompt(context.Background(), p)
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	assert.Contains(t, api.sent[0].content.Body, "Approval needed")
	assert.Contains(t, api.sent[0].content.Body, "rm -rf /tmp/scratch")

	got, ok := m.prompts.Get(id.EventID(eventID))
	require.True(t, ok)
	assert.Equal(t, p.Token, got.Token)
}

func TestRenderTranslatesShortcodes(t *testing.T) {
	content := render(":warning: An error occurred")
	assert.True(t, strings.HasPrefix(content.Body, "⚠️"))
	assert.NotContains(t, content.Body, ":warning:")
}

func TestReactionEmoji(t *testing.T) {
	assert.Equal(t, "⌛", reactionEmoji("loading"))
	assert.Equal(t, "⌛", reactionEmoji("hourglass"))
	assert.Equal(t, "✅", reactionEmoji("white_check_mark"))
	assert.Equal(t, "❌", reactionEmoji("x"))
	assert.Equal(t, "🦆", reactionEmoji("🦆"))
}
