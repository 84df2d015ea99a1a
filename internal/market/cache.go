package market

import (
	"sync"
	"time"

	"ensemblebot/internal/strategy"
)

// activity is the per-market bet and comment history fetched alongside a
// market listing.
type activity struct {
	bets     []strategy.Trade
	history  []strategy.ProbabilityPoint
	comments []strategy.Comment
	traders  int
}

// Cache keeps market activity keyed by market id and the market's
// last-updated stamp. An entry is served only while the stamp matches and
// the TTL has not expired.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	data      activity
	version   int64
	fetchedAt time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *Cache) get(id string, version int64) (activity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || entry.version != version || c.now().Sub(entry.fetchedAt) > c.ttl {
		return activity{}, false
	}
	return entry.data, true
}

func (c *Cache) set(id string, version int64, data activity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = cacheEntry{
		data:      data,
		version:   version,
		fetchedAt: c.now(),
	}
}

// Prune drops entries for markets not in keep.
func (c *Cache) Prune(keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.entries {
		if !keep[id] {
			delete(c.entries, id)
		}
	}
}

// Len reports the number of cached markets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
