package gateway

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// idempotencyCache replays cached responses for repeated keys inside the
// configured window. Entries expire lazily on lookup and on insert.
type idempotencyCache struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

type idempotencyEntry struct {
	response protocol.Response
	storedAt time.Time
}

func newIdempotencyCache(window time.Duration, now func() time.Time) *idempotencyCache {
	if now == nil {
		now = time.Now
	}
	return &idempotencyCache{
		window:  window,
		now:     now,
		entries: map[string]idempotencyEntry{},
	}
}

// Lookup returns the cached response for key, rewritten to the new request
// id. The bool reports a hit.
func (c *idempotencyCache) Lookup(key, id string) (protocol.Response, bool) {
	if key == "" || c.window <= 0 {
		return protocol.Response{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return protocol.Response{}, false
	}
	if c.now().Sub(e.storedAt) > c.window {
		delete(c.entries, key)
		return protocol.Response{}, false
	}
	resp := e.response
	resp.ID = id
	return resp, true
}

// Store caches a terminal response under key and prunes expired entries.
func (c *idempotencyCache) Store(key string, resp protocol.Response) {
	if key == "" || c.window <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.window {
			delete(c.entries, k)
		}
	}
	c.entries[key] = idempotencyEntry{response: resp, storedAt: now}
}
