// ABOUTME: Tests for the conversation registry.
// ABOUTME: Covers factory-once semantics, failure retry, and shutdown draining.

package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/approval"
	"github.com/2389/coven-relay/internal/runtime"
)

func testEntryFactory(session *fakeSession, arb *approval.Arbiter) Factory {
	return func(ctx context.Context, id ConversationID) (*Entry, error) {
		return NewEntry(id, session, arb, NewReplyTarget()), nil
	}
}

func TestRegistryGetOrCreateCachesEntry(t *testing.T) {
	reg := NewRegistry(nil)
	session := newFakeSession("s1", runtime.SessionOptions{}, nil)
	arb := approval.New(approval.Config{Poster: newFakeMessenger()})

	var calls int32
	factory := func(ctx context.Context, id ConversationID) (*Entry, error) {
		atomic.AddInt32(&calls, 1)
		return NewEntry(id, session, arb, NewReplyTarget()), nil
	}

	first, err := reg.GetOrCreate(context.Background(), "slack-C1", factory)
	require.NoError(t, err)
	second, err := reg.GetOrCreate(context.Background(), "slack-C1", factory)
	require.NoError(t, err)

	assert.Same(t, first, second, "repeated calls must return the cached entry")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryFactoryOnceUnderConcurrency(t *testing.T) {
	reg := NewRegistry(nil)

	var calls int32
	factory := func(ctx context.Context, id ConversationID) (*Entry, error) {
		atomic.AddInt32(&calls, 1)
		// Suspend inside creation, as a real session handshake would.
		time.Sleep(50 * time.Millisecond)
		session := newFakeSession(string(id), runtime.SessionOptions{}, nil)
		arb := approval.New(approval.Config{Poster: newFakeMessenger()})
		return NewEntry(id, session, arb, NewReplyTarget()), nil
	}

	const callers = 32
	entries := make([]*Entry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := reg.GetOrCreate(context.Background(), "slack-new", factory)
			require.NoError(t, err)
			entries[i] = entry
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "factory must run exactly once")
	for i := 1; i < callers; i++ {
		assert.Same(t, entries[0], entries[i])
	}
}

func TestRegistryFactoryFailureRetries(t *testing.T) {
	reg := NewRegistry(nil)

	var calls int32
	failing := errors.New("runtime unreachable")
	factory := func(ctx context.Context, id ConversationID) (*Entry, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, failing
		}
		session := newFakeSession(string(id), runtime.SessionOptions{}, nil)
		arb := approval.New(approval.Config{Poster: newFakeMessenger()})
		return NewEntry(id, session, arb, NewReplyTarget()), nil
	}

	_, err := reg.GetOrCreate(context.Background(), "slack-C1", factory)
	assert.ErrorIs(t, err, failing)
	assert.Equal(t, 0, reg.Len(), "failed slot must be removed")

	entry, err := reg.GetOrCreate(context.Background(), "slack-C1", factory)
	require.NoError(t, err)
	assert.NotNil(t, entry)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(nil)
	session := newFakeSession("s1", runtime.SessionOptions{}, nil)
	arb := approval.New(approval.Config{Poster: newFakeMessenger()})

	_, ok := reg.Lookup("slack-C1")
	assert.False(t, ok)

	created, err := reg.GetOrCreate(context.Background(), "slack-C1", testEntryFactory(session, arb))
	require.NoError(t, err)

	found, ok := reg.Lookup("slack-C1")
	require.True(t, ok)
	assert.Same(t, created, found)
}

func TestRegistryPendingApprovals(t *testing.T) {
	reg := NewRegistry(nil)
	session := newFakeSession("s1", runtime.SessionOptions{}, nil)
	arb := approval.New(approval.Config{Poster: newFakeMessenger(), Timeout: time.Second})
	defer arb.Close()

	_, err := reg.GetOrCreate(context.Background(), "slack-C1", testEntryFactory(session, arb))
	require.NoError(t, err)
	assert.Equal(t, 0, reg.PendingApprovals())

	done := make(chan struct{})
	go func() {
		arb.Request(context.Background(), "Run something?")
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for reg.PendingApprovals() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, reg.PendingApprovals())

	arb.Close()
	<-done
	assert.Equal(t, 0, reg.PendingApprovals())
}

func TestRegistryShutdown(t *testing.T) {
	reg := NewRegistry(nil)
	sessionA := newFakeSession("a", runtime.SessionOptions{}, nil)
	sessionB := newFakeSession("b", runtime.SessionOptions{}, nil)
	arbA := approval.New(approval.Config{Poster: newFakeMessenger()})
	arbB := approval.New(approval.Config{Poster: newFakeMessenger()})

	_, err := reg.GetOrCreate(context.Background(), "slack-A", testEntryFactory(sessionA, arbA))
	require.NoError(t, err)
	_, err = reg.GetOrCreate(context.Background(), "slack-B", testEntryFactory(sessionB, arbB))
	require.NoError(t, err)

	reg.Shutdown(context.Background())

	assert.True(t, sessionA.closed)
	assert.True(t, sessionB.closed)
	assert.Equal(t, 0, reg.Len())

	_, err = reg.GetOrCreate(context.Background(), "slack-A", testEntryFactory(sessionA, arbA))
	assert.ErrorIs(t, err, ErrShutdown)

	// Second shutdown is a no-op.
	reg.Shutdown(context.Background())
}
