// ABOUTME: Tests for the per-turn status indicator.
// ABOUTME: Covers the post/update/delete lifecycle and failure swallowing.

package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHookLifecycle(t *testing.T) {
	m := newFakeMessenger()
	hook := NewStatusHook(m, "C1", "t1", nil)
	ctx := context.Background()

	hook.Start(ctx)
	posts := m.postedMessages()
	require.Len(t, posts, 1)
	assert.Equal(t, statusThinking, posts[0].Text)
	assert.Equal(t, "C1", posts[0].Channel)
	assert.Equal(t, "t1", posts[0].Thread)
	indicatorID := posts[0].ID

	hook.ToolStart(ctx, "read_file")
	assert.Equal(t, ":gear: Using `read_file`...", m.updates[indicatorID])

	hook.ToolEnd(ctx)
	assert.Equal(t, statusProcessing, m.updates[indicatorID])

	hook.Cleanup(ctx)
	assert.Equal(t, []string{indicatorID}, m.deletedIDs())
}

func TestStatusHookStartFailureSwallowed(t *testing.T) {
	m := newFakeMessenger()
	m.postErr = errors.New("channel_not_found")
	hook := NewStatusHook(m, "C1", "t1", nil)
	ctx := context.Background()

	hook.Start(ctx)

	// Updates and cleanup become no-ops with no handle.
	hook.ToolStart(ctx, "read_file")
	hook.ToolEnd(ctx)
	hook.Cleanup(ctx)

	assert.Empty(t, m.updates)
	assert.Empty(t, m.deletedIDs())
}

func TestStatusHookCleanupIdempotent(t *testing.T) {
	m := newFakeMessenger()
	hook := NewStatusHook(m, "C1", "t1", nil)
	ctx := context.Background()

	// Cleanup before Start is a no-op.
	hook.Cleanup(ctx)
	assert.Empty(t, m.deletedIDs())

	hook.Start(ctx)
	hook.Cleanup(ctx)
	hook.Cleanup(ctx)
	assert.Len(t, m.deletedIDs(), 1, "second cleanup must not delete again")

	// Updates after cleanup are no-ops.
	hook.ToolStart(ctx, "late")
	assert.Empty(t, m.updates)
}

func TestStatusHookUpdateFailureSwallowed(t *testing.T) {
	m := newFakeMessenger()
	hook := NewStatusHook(m, "C1", "t1", nil)
	ctx := context.Background()

	hook.Start(ctx)
	m.updateErr = errors.New("message_not_found")
	hook.ToolStart(ctx, "read_file") // must not panic or propagate

	m.deleteErr = errors.New("message_not_found")
	hook.Cleanup(ctx) // likewise
}
