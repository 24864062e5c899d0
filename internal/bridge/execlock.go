// ABOUTME: Per-conversation mutual exclusion with strict arrival-order queuing.
// ABOUTME: Serializes agent turns so one conversation never runs two at once.

package bridge

import (
	"container/list"
	"context"
	"sync"
)

// ExecLock is a mutual-exclusion lock whose waiters are granted ownership
// in the order they called Lock. sync.Mutex makes no ordering promise, and
// turns must execute in arrival order, so the queue is explicit: each
// waiter parks on its own channel and Unlock hands the lock to the head of
// the queue.
//
// The zero value is an unlocked ExecLock.
type ExecLock struct {
	mu      sync.Mutex
	held    bool
	waiters list.List // of chan struct{}
}

// Lock blocks until the lock is acquired or ctx is done. A cancelled
// waiter leaves the queue without disturbing the others.
func (l *ExecLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	elem := l.waiters.PushBack(grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-grant:
			// Ownership arrived between cancellation and removal; pass it
			// straight to the next waiter instead of holding a lock the
			// caller will never use.
			l.unlockLocked()
			l.mu.Unlock()
		default:
			l.waiters.Remove(elem)
			l.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Unlock releases the lock, handing it to the oldest waiter if any.
func (l *ExecLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		panic("bridge: Unlock of unheld ExecLock")
	}
	l.unlockLocked()
}

// unlockLocked transfers ownership to the head waiter or marks the lock
// free. Caller holds mu.
func (l *ExecLock) unlockLocked() {
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.held = false
}
