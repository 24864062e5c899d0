// ABOUTME: TTL cache for suppressing redelivered platform events.
// ABOUTME: Frontends fingerprint each inbound event and drop ones already seen.

package dedupe

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Defaults cover the reconnect-redelivery window of the platforms we bridge.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 100_000
	sweepInterval  = time.Minute
)

// Fingerprint builds the cache key for one inbound platform event. The parts
// are the frontend name, the channel, and the platform's event or message ID.
func Fingerprint(parts ...string) string {
	return strings.Join(parts, ":")
}

// entry pairs a key's last-seen time with its position in insertion order.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, size-bounded TTL set of event fingerprints.
// Insertion order is kept in a linked list so capacity eviction is O(1).
type Cache struct {
	ttl     time.Duration
	maxSize int
	logger  *slog.Logger

	mu     sync.Mutex
	seen   map[string]*entry
	order  *list.List // oldest at front
	done   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweeper. ttl and maxSize
// fall back to the defaults when zero or negative.
func New(ttl time.Duration, maxSize int, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger.With("component", "dedupe"),
		seen:    make(map[string]*entry),
		order:   list.New(),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen atomically reports whether key is a live duplicate, marking it as
// seen either way. The first caller for a key gets false; concurrent callers
// for the same key get exactly one false between them.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Since(e.seenAt) < c.ttl {
		e.seenAt = time.Now()
		c.order.MoveToBack(e.element)
		return true
	}
	c.markLocked(key)
	return false
}

// Contains reports whether key is live without refreshing it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Len reports the number of tracked keys, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(key string) {
	now := time.Now()
	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// sweep drops expired entries periodically so an idle channel's keys do not
// pin memory for the process lifetime.
func (c *Cache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.removeExpired(); n > 0 {
				c.logger.Debug("swept expired fingerprints", "count", n)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, e := range c.seen {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
