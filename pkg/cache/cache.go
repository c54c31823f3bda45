package cache

import (
	"sync"
	"time"
)

// Entry represents a cached value with expiration and the version of the
// world it was read under. A version bump invalidates the entry even before
// its TTL elapses.
type Entry struct {
	Value     interface{}
	Version   uint64
	ExpiresAt time.Time
}

// Cache is a small in-memory cache with TTL and explicit version-based
// invalidation. Entries cached under an older version are treated as absent.
type Cache struct {
	mu      sync.RWMutex
	version uint64
	items   map[string]*Entry
}

// New creates a new cache at version zero.
func New() *Cache {
	return &Cache{items: map[string]*Entry{}}
}

// Set stores a value under the cache's current version with a given TTL.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &Entry{
		Value:     value,
		Version:   c.version,
		ExpiresAt: time.Now().Add(ttl),
	}
}

// Get retrieves a value if it is neither expired nor from a stale version.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, exists := c.items[key]
	if !exists {
		return nil, false
	}
	if entry.Version != c.version {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Value, true
}

// Delete removes a key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Bump advances the cache version, invalidating every current entry, and
// returns the new version.
func (c *Cache) Bump() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.items = map[string]*Entry{}
	return c.version
}

// SyncVersion aligns the cache with an externally observed version (for
// example one shared through Redis). Entries survive only when the versions
// already match.
func (c *Cache) SyncVersion(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v != c.version {
		c.version = v
		c.items = map[string]*Entry{}
	}
}

// Version returns the cache's current version.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
