// Package cache provides the replay cache used by the settlement core:
// an in-memory TTL cache for single instances and a Redis-backed one for
// horizontally scaled deployments.
package cache

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the in-memory replay cache. Correlation ids come
// from the network, so the map must not grow with whatever a sender invents.
const DefaultMaxEntries = 100_000

const minSweepInterval = time.Second

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemory is a thread-safe, size-bounded cache with TTL.
type InMemory[T any] struct {
	mu         sync.RWMutex
	items      map[string]entry[T]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	stop       chan struct{}
	once       sync.Once
}

// Option customizes an InMemory cache.
type Option func(*options)

type options struct {
	maxEntries int
	now        func() time.Time
}

// WithMaxEntries caps the number of live entries. When the cap is reached
// the entry closest to expiry is evicted.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an in-memory cache whose entries live for ttl. A sweeper
// goroutine drops expired entries until Close is called.
func New[T any](ttl time.Duration, opts ...Option) *InMemory[T] {
	o := options{maxEntries: DefaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntries < 1 {
		o.maxEntries = 1
	}

	c := &InMemory[T]{
		items:      make(map[string]entry[T]),
		ttl:        ttl,
		maxEntries: o.maxEntries,
		now:        o.now,
		stop:       make(chan struct{}),
	}
	go c.sweep(max(ttl, minSweepInterval))
	return c
}

// Get returns the value stored under key. Expired entries are misses.
func (c *InMemory[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the configured TTL.
func (c *InMemory[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.removeExpiredLocked(now)
		if len(c.items) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.items[key] = entry[T]{value: value, expiresAt: now.Add(c.ttl)}
}

// Delete removes key.
func (c *InMemory[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Len reports the number of stored entries, expired ones included until
// the next sweep.
func (c *InMemory[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweeper. It is safe to call more than once.
func (c *InMemory[T]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *InMemory[T]) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.removeExpiredLocked(c.now())
			c.mu.Unlock()
		}
	}
}

func (c *InMemory[T]) removeExpiredLocked(now time.Time) {
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *InMemory[T]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.items {
		if !found || e.expiresAt.Before(oldest) {
			oldestKey, oldest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}
