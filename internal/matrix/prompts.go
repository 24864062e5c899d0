// ABOUTME: Tracker for outstanding approval prompt events.
// ABOUTME: Maps prompt event IDs to tokens so reactions can settle approvals.

package matrix

import (
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/approval"
)

// trackerSlack extends tracking past the approval window so late reactions
// still resolve to a clean no-op instead of being unmapped.
const trackerSlack = time.Minute

// promptTracker remembers which events are approval prompts. Entries expire
// after the approval window; the arbiter has denied by then and a reaction
// on a forgotten prompt means nothing.
type promptTracker struct {
	window time.Duration

	mu      sync.Mutex
	entries map[id.EventID]promptEntry
}

type promptEntry struct {
	prompt    approval.Prompt
	expiresAt time.Time
}

// newPromptTracker creates a tracker whose entries live for the approval
// window plus slack.
func newPromptTracker(approvalWindow time.Duration) *promptTracker {
	if approvalWindow <= 0 {
		approvalWindow = approval.DefaultTimeout
	}
	return &promptTracker{
		window:  approvalWindow + trackerSlack,
		entries: make(map[id.EventID]promptEntry),
	}
}

// Add registers a posted prompt event.
func (t *promptTracker) Add(eventID id.EventID, p approval.Prompt) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for ev, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, ev)
		}
	}
	t.entries[eventID] = promptEntry{prompt: p, expiresAt: now.Add(t.window)}
}

// Get returns the prompt for eventID if it is a live tracked prompt.
func (t *promptTracker) Get(eventID id.EventID) (approval.Prompt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[eventID]
	if !ok || time.Now().After(e.expiresAt) {
		return approval.Prompt{}, false
	}
	return e.prompt, true
}

// Len reports the number of live tracked prompts.
func (t *promptTracker) Len() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}
