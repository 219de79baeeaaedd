// Package cache provides a small TTL cache for slow-changing reference
// values such as calibration and thresholds.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
// Expired entries are dropped lazily on access and by Purge; there is no
// background goroutine to stop.
type TTL[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[K]entry[V]
	hits    int64
	misses  int64
}

// New creates a cache. A nil now uses time.Now.
func New[K comparable, V any](ttl time.Duration, now func() time.Time) *TTL[K, V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{
		ttl:     ttl,
		now:     now,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the cached value if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.value, true
	}

	c.mu.Lock()
	if ok {
		delete(c.entries, key)
	}
	c.misses++
	c.mu.Unlock()

	var zero V
	return zero, false
}

// Set stores value under key for the cache TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete invalidates key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge removes every expired entry and returns how many were dropped.
func (c *TTL[K, V]) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *TTL[K, V]) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
