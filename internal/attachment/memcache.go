package attachment

import (
	"sync"
	"time"
)

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// memCache is an LRU+TTL in-memory tier bounded by total byte budget,
// the L1 of the attachment cache (spec.md §4.2).
type memCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	budget   int64
	used     int64
	order    []string
	entries  map[string]memEntry
}

func newMemCache(budget int64, ttl time.Duration) *memCache {
	return &memCache{
		ttl:     ttl,
		budget:  budget,
		entries: make(map[string]memEntry),
	}
}

func (c *memCache) get(md5 string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[md5]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.evict(md5)
		return nil, false
	}
	c.touch(md5)
	return e.data, true
}

func (c *memCache) put(md5 string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(data)) > c.budget {
		return
	}

	if _, exists := c.entries[md5]; exists {
		c.evict(md5)
	}

	for c.used+int64(len(data)) > c.budget && len(c.order) > 0 {
		oldest := c.order[0]
		c.evict(oldest)
	}

	c.entries[md5] = memEntry{data: data, expiresAt: time.Now().Add(c.ttl)}
	c.order = append(c.order, md5)
	c.used += int64(len(data))
}

// evict must be called with c.mu held.
func (c *memCache) evict(md5 string) {
	e, ok := c.entries[md5]
	if !ok {
		return
	}
	delete(c.entries, md5)
	c.used -= int64(len(e.data))
	for i, k := range c.order {
		if k == md5 {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// touch must be called with c.mu held; moves md5 to the back (most
// recently used) of the eviction order.
func (c *memCache) touch(md5 string) {
	for i, k := range c.order {
		if k == md5 {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, md5)
}
