package harvest

import (
	"sync"
	"time"
)

// searchCache is an in-memory TTL cache for engine result pages, keyed by
// engine+query. Repeated queries inside one job (and across Continue runs
// in the same process) skip the network entirely.
type searchCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	results  []Result
	fetchedAt time.Time
}

func newSearchCache(ttl time.Duration) *searchCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &searchCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *searchCache) get(key string) ([]Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out, true
}

func (c *searchCache) set(key string, results []Result) {
	stored := make([]Result, len(results))
	copy(stored, results)
	c.mu.Lock()
	c.entries[key] = cacheEntry{results: stored, fetchedAt: time.Now()}
	c.mu.Unlock()
}
