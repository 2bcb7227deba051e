package session

import (
	"sync"

	"github.com/txn2/feedsync/pkg/stream"
)

type cacheEntry struct {
	refs    int
	payload *stream.Payload
}

// ContentCache maps content ids to payloads for content referenced by live
// sessions. An entry exists only while at least one live session references
// its id; the last release evicts it.
type ContentCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewContentCache creates an empty cache.
func NewContentCache() *ContentCache {
	return &ContentCache{entries: make(map[string]*cacheEntry)}
}

// Get returns the cached payload for contentID.
func (c *ContentCache) Get(contentID string) (stream.Payload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[contentID]
	if !ok || e.payload == nil {
		return stream.Payload{}, false
	}
	return *e.payload, true
}

// Refs returns how many live sessions reference contentID.
func (c *ContentCache) Refs(contentID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[contentID]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of referenced content ids.
func (c *ContentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fill caches payloads read from the store. Unreferenced ids are ignored.
func (c *ContentCache) Fill(payloads []stream.PayloadWithID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(payloads)
}

// apply acquires before releasing so ids present on both sides never drop out.
func (c *ContentCache) apply(acquire, release []string, upserts []stream.PayloadWithID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range acquire {
		e, ok := c.entries[id]
		if !ok {
			e = &cacheEntry{}
			c.entries[id] = e
		}
		e.refs++
	}
	for _, id := range release {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		e.refs--
		if e.refs <= 0 {
			delete(c.entries, id)
		}
	}
	c.upsertLocked(upserts)
}

func (c *ContentCache) upsertLocked(payloads []stream.PayloadWithID) {
	for _, p := range payloads {
		e, ok := c.entries[p.ContentID]
		if !ok {
			continue
		}
		payload := p.Payload
		e.payload = &payload
	}
}

func (c *ContentCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}
