// ABOUTME: TTL and size bounded set of recently seen chat message IDs.
// ABOUTME: Lets the chat service reject client retries of a message it already accepted.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTTL             = 5 * time.Minute
	DefaultMaxSize         = 10000
	DefaultCleanupInterval = time.Minute
)

// Options configures a Cache.
type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

type seenEntry struct {
	key    string
	seenAt time.Time
	elem   *list.Element
}

// Cache remembers message keys for TTL. When full, the key marked longest
// ago is dropped first. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*seenEntry
	order   *list.List // oldest mark at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Cache and starts its background expiry sweep.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	c := &Cache{
		entries: make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(opts.CleanupInterval)
	return c
}

// Key scopes a client message ID to its conversation.
func Key(conversationID, messageID string) string {
	return conversationID + "\x00" + messageID
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && c.liveLocked(e)
}

// Claim marks key and reports true if it was not already live. A false
// return means the caller is looking at a duplicate.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if c.liveLocked(e) {
			return false
		}
		c.removeLocked(e)
	}

	for len(c.entries) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeLocked(front.Value.(*seenEntry))
	}

	e := &seenEntry{key: key, seenAt: c.now()}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	return true
}

// Release forgets key so a later Claim succeeds. Used when processing of a
// claimed message failed before it took effect.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the expiry sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) liveLocked(e *seenEntry) bool {
	return c.now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) removeLocked(e *seenEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries past the TTL. Marks are in time order, so it stops
// at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*seenEntry)
		if c.liveLocked(e) {
			return
		}
		c.removeLocked(e)
	}
}
