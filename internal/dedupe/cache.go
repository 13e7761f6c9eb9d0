// ABOUTME: Thread-safe TTL cache of message ids that have already been published.
// ABOUTME: The Notifier claims an id before broadcasting so each stored message is published at most once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Options fields are zero.
const (
	DefaultTTL             = 10 * time.Minute
	DefaultMaxSize         = 10000
	DefaultCleanupInterval = time.Minute
)

// Options configures a Cache.
type Options struct {
	TTL             time.Duration // how long a claimed key stays claimed
	MaxSize         int           // oldest keys are evicted beyond this
	CleanupInterval time.Duration // background sweep period
}

type entry struct {
	claimedAt time.Time
	elem      *list.Element
}

// Cache remembers claimed keys for a TTL. Keys are kept in claim order in a
// linked list so eviction of the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	evictions uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
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
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(opts.CleanupInterval)
	return c
}

// Seen reports whether key is currently claimed.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && c.live(e)
}

// Claim marks key as claimed and reports whether the caller is the first to
// claim it within the TTL. Check and mark happen under one lock, so two
// concurrent callers can never both win.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if c.live(e) {
			return false
		}
		e.claimedAt = c.now()
		c.order.MoveToBack(e.elem)
		return true
	}

	for len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = &entry{claimedAt: c.now(), elem: c.order.PushBack(key)}
	return true
}

// Len returns the number of keys held, including expired keys not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evictions returns how many keys were dropped for capacity.
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *Cache) live(e *entry) bool {
	return c.now().Sub(e.claimedAt) < c.ttl
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
	c.evictions++
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep removes expired keys. Claims are in order, so it stops at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.entries[key]
		if e != nil && c.live(e) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
