package recentcache

import (
	"chatrelay-api/internal/metrics"
	"chatrelay-api/internal/store"
)

// InstrumentedCache decorates a cache with hit/miss stats and Prometheus
// counters.
type InstrumentedCache struct {
	cache store.RecentCache
	stats *Stats
}

func NewInstrumentedCache(cache store.RecentCache, stats *Stats) *InstrumentedCache {
	if cache == nil {
		return nil
	}
	return &InstrumentedCache{
		cache: cache,
		stats: stats,
	}
}

func (c *InstrumentedCache) Get(chatID string) (store.RecentEntry, bool) {
	if c == nil || c.cache == nil {
		return store.RecentEntry{}, false
	}
	entry, ok := c.cache.Get(chatID)
	if ok {
		c.stats.Hit()
		metrics.CacheHits.WithLabelValues("recent", "hit").Inc()
		return entry, true
	}
	c.stats.Miss()
	metrics.CacheHits.WithLabelValues("recent", "miss").Inc()
	return store.RecentEntry{}, false
}

func (c *InstrumentedCache) Put(chatID string, entry store.RecentEntry) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Put(chatID, entry)
}

func (c *InstrumentedCache) Invalidate(chatID string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Invalidate(chatID)
}
