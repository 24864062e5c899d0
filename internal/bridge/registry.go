// ABOUTME: Registry mapping conversation IDs to their session, lock, and arbiter.
// ABOUTME: Guarantees the session factory runs at most once per conversation.

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/approval"
	"github.com/2389/coven-relay/internal/runtime"
)

// ErrShutdown is returned when the registry has been shut down.
var ErrShutdown = errors.New("conversation registry shut down")

// Entry is the per-conversation state the registry owns: the agent
// session, the turn serialization lock, the approval arbiter, and the
// reply target the pass-through tool posts to. Exactly one Entry exists
// per ConversationID; only the Registry creates or destroys them.
type Entry struct {
	ID      ConversationID
	Session runtime.Session
	Arbiter *approval.Arbiter
	Reply   *ReplyTarget

	lock ExecLock
}

// NewEntry assembles an entry. Called by session factories.
func NewEntry(id ConversationID, session runtime.Session, arbiter *approval.Arbiter, reply *ReplyTarget) *Entry {
	return &Entry{ID: id, Session: session, Arbiter: arbiter, Reply: reply}
}

// Lock acquires the conversation's execution lock in arrival order.
func (e *Entry) Lock(ctx context.Context) error { return e.lock.Lock(ctx) }

// Unlock releases the conversation's execution lock.
func (e *Entry) Unlock() { e.lock.Unlock() }

// ReplyTarget records where the in-flight turn's output should go. The
// router sets it under the execution lock for the duration of one turn;
// the channel_reply tool and the display callback read it.
type ReplyTarget struct {
	mu      sync.Mutex
	channel string
	thread  string
	set     bool
}

// NewReplyTarget returns an unset target.
func NewReplyTarget() *ReplyTarget { return &ReplyTarget{} }

// Set attaches the current turn's destination.
func (t *ReplyTarget) Set(channel, thread string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel, t.thread, t.set = channel, thread, true
}

// Clear detaches the destination at turn end.
func (t *ReplyTarget) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel, t.thread, t.set = "", "", false
}

// Get reports the destination, ok=false when no turn is in flight.
func (t *ReplyTarget) Get() (channel, thread string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel, t.thread, t.set
}

// Factory builds a conversation's entry on first access. It talks to the
// agent runtime and may suspend; the registry guarantees it runs at most
// once per ID even under concurrent first messages.
type Factory func(ctx context.Context, id ConversationID) (*Entry, error)

// slot decouples map insertion from factory execution. The slot is
// inserted under the registry mutex; the factory runs under the slot's
// Once, so concurrent first callers block on one invocation and share its
// result instead of racing a check-then-create sequence.
type slot struct {
	once  sync.Once
	entry *Entry
	err   error
}

// Registry owns all conversation entries for the process lifetime.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[ConversationID]*slot
	closed bool
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "registry"),
		slots:  make(map[ConversationID]*slot),
	}
}

// GetOrCreate returns the entry for id, invoking factory on first access.
// Concurrent calls for a never-before-seen id all observe the single
// factory invocation's result. A factory failure removes the slot so a
// later message can retry.
func (r *Registry) GetOrCreate(ctx context.Context, id ConversationID, factory Factory) (*Entry, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	s, ok := r.slots[id]
	if !ok {
		s = &slot{}
		r.slots[id] = s
	}
	r.mu.Unlock()

	s.once.Do(func() {
		entry, err := factory(ctx, id)
		if err != nil {
			s.err = err
			return
		}
		s.entry = entry
		r.logger.Info("conversation created", "conversation", id)
	})

	if s.err != nil {
		r.mu.Lock()
		if r.slots[id] == s {
			delete(r.slots, id)
		}
		r.mu.Unlock()
		return nil, s.err
	}
	return s.entry, nil
}

// Lookup returns the entry for id if it exists and is fully created.
func (r *Registry) Lookup(id ConversationID) (*Entry, bool) {
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	if !ok || s.entry == nil {
		return nil, false
	}
	return s.entry, true
}

// Len reports the number of live conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// PendingApprovals sums the suspended approval requests across all live
// conversations.
func (r *Registry) PendingApprovals() int {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range slots {
		if s.entry != nil {
			n += s.entry.Arbiter.Pending()
		}
	}
	return n
}

// Shutdown closes every cached session and cancels every pending
// approval. Close failures are logged, never propagated: shutdown always
// completes. Idempotent.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	slots := r.slots
	r.slots = make(map[ConversationID]*slot)
	r.mu.Unlock()

	for id, s := range slots {
		if s.entry == nil {
			continue
		}
		s.entry.Arbiter.Close()
		if err := s.entry.Session.Close(); err != nil {
			r.logger.Warn("closing session", "conversation", id, "error", err)
		}
	}
	r.logger.Info("registry drained", "conversations", len(slots))
}
