// Package cache provides a bounded in-memory store for upstream JSON
// responses with per-entry TTL and insertion-order eviction.
package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// Entry is a cached payload with the instant it was stored
type Entry struct {
	Key      string
	Body     json.RawMessage
	StoredAt time.Time
}

// Cache keeps at most maxEntries values. When an insert pushes the store
// over capacity the oldest-inserted surviving entry is evicted; insertion
// order, not access recency, decides the victim. Overwriting a key keeps
// its original insertion position.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = oldest inserted

	now func() time.Time // swapped out in tests
}

// New creates a cache with the given TTL and capacity
func New(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get returns the payload stored under key when it is younger than the TTL.
// A stale entry is removed on the spot and reported as absent.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	entry := el.Value.(*Entry)
	if c.now().Sub(entry.StoredAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	return entry.Body, true
}

// Put inserts or overwrites the entry under key with the current timestamp
func (c *Cache) Put(key string, body json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*Entry)
		entry.Body = body
		entry.StoredAt = c.now()
		return
	}

	c.entries[key] = c.order.PushBack(&Entry{Key: key, Body: body, StoredAt: c.now()})

	if c.order.Len() > c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*Entry).Key)
	}
}

// Len reports how many entries are currently held, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
