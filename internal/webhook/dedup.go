package webhook

import (
	"sync"
	"time"
)

// DedupCache remembers processed events for a TTL so a re-delivered event
// returns the original result without re-executing side effects. It is an
// optimisation, not the correctness mechanism: the durable backstop is the
// purchase record uniqueness constraint.
type DedupCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time
}

type dedupEntry struct {
	processed ProcessedEvent
	expiresAt time.Time
}

// NewDedupCache constructs a cache with the given TTL.
func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DedupCache{
		ttl:     ttl,
		entries: make(map[string]dedupEntry),
		now:     time.Now,
	}
}

// CheckAndReserve returns the cached result when the event was already
// processed inside the TTL. A false return means the event is fresh and
// the caller should process it.
func (c *DedupCache) CheckAndReserve(provider, eventID string) (ProcessedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	entry, ok := c.entries[provider+":"+eventID]
	if !ok {
		return ProcessedEvent{}, false
	}
	return entry.processed, true
}

// Store caches the result of a successfully processed event.
func (c *DedupCache) Store(provider, eventID string, processed ProcessedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[provider+":"+eventID] = dedupEntry{
		processed: processed,
		expiresAt: c.now().Add(c.ttl),
	}
}

func (c *DedupCache) pruneLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if entry.expiresAt.Before(now) {
			delete(c.entries, key)
		}
	}
}
