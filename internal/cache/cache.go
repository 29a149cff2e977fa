package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

// InMemoryCache is a concurrent-safe in-memory key-value store with optional
// per-entry TTL. Entries live for the process lifetime unless a TTL is set.
type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]entry
}

// NewInMemoryCache creates and returns a new InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]entry),
	}
}

// Get retrieves a value from the cache.
// It returns the value and true if the key exists and has not expired.
func (c *InMemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	if !found {
		return nil, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return item.value, true
}

// Set adds or updates a value in the cache with no expiry.
func (c *InMemoryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: value}
}

// SetWithTTL adds or updates a value that expires after ttl.
func (c *InMemoryCache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Delete removes a value from the cache.
func (c *InMemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of entries currently stored, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
