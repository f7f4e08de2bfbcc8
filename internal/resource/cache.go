package resource

import (
	"sync"
	"time"
)

// CacheEntry is one cached value with its absolute expiry instant.
type CacheEntry struct {
	Value     interface{}
	ExpiresAt time.Time
}

// Cache is a named TTL key/value store. Expired entries are treated as
// absent on read and purged opportunistically on write.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]CacheEntry
	defaultTTL time.Duration
	now        func() time.Time
}

// NewCache creates a cache with the given default TTL.
func NewCache(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{
		entries:    make(map[string]CacheEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Set stores a value. A zero ttl falls back to the cache default.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Lazy purge: drop anything already expired while we hold the lock.
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = CacheEntry{
		Value:     value,
		ExpiresAt: now.Add(ttl),
	}
}

// Get returns the value for key, or (nil, false) if absent or expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if c.now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Value, true
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CacheEntry)
}
