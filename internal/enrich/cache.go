package enrich

import (
	"sync"
	"time"
)

// cacheEntry represents a single cache entry with expiration.
type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	accessed  time.Time
}

// Cache is a small thread-safe cache with TTL that evicts the least
// recently read entry when full.
type Cache[V any] struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a new cache with the specified size and TTL.
func NewCache[V any](maxSize int, ttl time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Cache[V]{
		data:    make(map[string]*cacheEntry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves a value from the cache.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.data[key]
	if !ok {
		return zero, false
	}

	now := c.now()
	if now.After(entry.expiresAt) {
		delete(c.data, key)
		return zero, false
	}

	entry.accessed = now
	return entry.value, true
}

// Set stores a value in the cache.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok && len(c.data) >= c.maxSize {
		c.evictOldest()
	}

	now := c.now()
	c.data[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(c.ttl),
		accessed:  now,
	}
}

// Clear removes all entries from the cache.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]*cacheEntry[V])
}

// Size returns the current number of entries in the cache.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// evictOldest removes the least recently accessed entry.
// Must be called with lock held.
func (c *Cache[V]) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	first := true
	for key, entry := range c.data {
		if first || entry.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.accessed
			first = false
		}
	}

	if !first {
		delete(c.data, oldestKey)
	}
}
