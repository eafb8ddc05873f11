package blade

import (
	"sync"
	"time"
)

// Cache is an external store for compiled template units, keyed by cache key.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(key string) (any, bool, error)
	Put(key string, value any) error
	Has(key string) (bool, error)
	Flush() error
}

// forgetter is implemented by caches that can drop a single key.
type forgetter interface {
	Forget(key string) error
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// MemoryCache is an in-process Cache with an optional time to live.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache returns a MemoryCache. A zero ttl keeps entries until flushed.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{entries: map[string]cacheEntry{}, ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(key string) (any, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.expired(e) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && c.expired(cur) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Put(key string, value any) error {
	e := cacheEntry{value: value}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Has(key string) (bool, error) {
	_, ok, err := c.Get(key)
	return ok, err
}

func (c *MemoryCache) Forget(key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Flush() error {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) expired(e cacheEntry) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}
