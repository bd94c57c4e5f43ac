package reconcile

import (
	"sync"
	"time"

	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/store"
)

type cacheKey struct {
	mappingID int64
	dir       store.Direction
}

type cacheEntry struct {
	messages  []chat.Message // ascending timestamp
	fetchedAt time.Time
	lastLimit int
}

// cache holds the last fetch per mapping direction. Entries expire after ttl
// and are swept on access.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[cacheKey]*cacheEntry
}

func newCache(ttl time.Duration, now func() time.Time) *cache {
	if now == nil {
		now = time.Now
	}
	return &cache{ttl: ttl, now: now, entries: make(map[cacheKey]*cacheEntry)}
}

// usable returns the entry if it is fresh and at least limit wide.
func (c *cache) usable(k cacheKey, limit int) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	e, ok := c.entries[k]
	if !ok || e.lastLimit < limit {
		return nil
	}
	return e
}

// get returns the fresh entry regardless of its width.
func (c *cache) get(k cacheKey) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	return c.entries[k]
}

func (c *cache) put(k cacheKey, msgs []chat.Message, limit int) *cacheEntry {
	e := &cacheEntry{messages: msgs, fetchedAt: c.now(), lastLimit: limit}
	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()
	return e
}

// take removes and returns the fresh entry.
func (c *cache) take(k cacheKey) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	e := c.entries[k]
	delete(c.entries, k)
	return e
}

func (c *cache) reset() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]*cacheEntry)
	c.mu.Unlock()
}

func (c *cache) sweepLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
}
