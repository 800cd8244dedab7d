// Package cache provides a small in-memory TTL cache.
package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache stores values in-memory with per-entry TTLs.
type TTLCache[K comparable, V any] struct {
	clock clockwork.Clock
	max   int

	mu    sync.RWMutex
	items map[K]cacheEntry[V]
}

// NewTTLCache builds a cache. max <= 0 means unbounded; when full, expired
// entries are swept and then the entry closest to expiry is evicted.
func NewTTLCache[K comparable, V any](clock clockwork.Clock, max int) *TTLCache[K, V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TTLCache[K, V]{clock: clock, max: max, items: make(map[K]cacheEntry[V])}
}

// Get returns a cached value if it exists and has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !entry.expiresAt.IsZero() && c.clock.Now().After(entry.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set stores a value with the provided TTL. ttl <= 0 never expires.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if c == nil {
		return
	}
	now := c.clock.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && c.max > 0 && len(c.items) >= c.max {
		c.evictLocked(now)
	}
	c.items[key] = cacheEntry[V]{value: value, expiresAt: expiresAt}
}

func (c *TTLCache[K, V]) evictLocked(now time.Time) {
	for k, e := range c.items {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
	for len(c.items) >= c.max {
		var (
			victim K
			soon   time.Time
			found  bool
		)
		for k, e := range c.items {
			if !found || (!e.expiresAt.IsZero() && (soon.IsZero() || e.expiresAt.Before(soon))) {
				victim, soon, found = k, e.expiresAt, true
			}
		}
		if !found {
			return
		}
		delete(c.items, victim)
	}
}

// Delete removes a cached entry.
func (c *TTLCache[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
