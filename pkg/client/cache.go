package client

import (
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// responseCache holds raw GET response bodies keyed by request path and
// query. Entries expire lazily on read.
type responseCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (c *responseCache) enabled() bool { return c.ttl > 0 }

func (c *responseCache) get(key string) ([]byte, bool) {
	if !c.enabled() {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

func (c *responseCache) set(key string, data []byte) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{data: data, expiresAt: time.Now().Add(c.ttl)}
}

func (c *responseCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *responseCache) deletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// update rewrites every live entry whose key starts with prefix. fn returns
// the new body, or nil to drop the entry.
func (c *responseCache) update(prefix string, fn func(key string, data []byte) []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if data := fn(k, e.data); data != nil {
			e.data = data
		} else {
			delete(c.entries, k)
		}
	}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func (c *responseCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
