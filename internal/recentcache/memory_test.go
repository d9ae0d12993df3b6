package recentcache

import (
	"testing"
	"time"

	"chatrelay-api/internal/store"
)

func entry(contents ...string) store.RecentEntry {
	msgs := make([]*store.Message, 0, len(contents))
	for _, c := range contents {
		msgs = append(msgs, &store.Message{ID: c, Content: c})
	}
	return store.RecentEntry{Messages: msgs, UpdatedAt: time.Now()}
}

func TestMemoryCachePutGet(t *testing.T) {
	c := NewMemoryCache(4, time.Minute)
	c.Put("chat-1", entry("a", "b"))

	got, ok := c.Get("chat-1")
	if !ok || len(got.Messages) != 2 {
		t.Fatalf("Get()=(%+v,%v) want 2 messages", got, ok)
	}
	if _, ok := c.Get("chat-2"); ok {
		t.Fatalf("unexpected hit for absent key")
	}
}

func TestMemoryCacheEvictsOldest(t *testing.T) {
	c := NewMemoryCache(2, 0)
	c.Put("a", entry("1"))
	c.Put("b", entry("2"))
	c.Put("c", entry("3"))

	if _, ok := c.Get("a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("newest entry missing")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache(4, 10*time.Millisecond)
	c.Put("chat-1", entry("a"))
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("chat-1"); ok {
		t.Fatalf("expired entry should miss")
	}
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c := NewMemoryCache(4, time.Minute)
	c.Put("chat-1", entry("a"))
	c.Invalidate("chat-1")
	if _, ok := c.Get("chat-1"); ok {
		t.Fatalf("invalidated entry should miss")
	}
}

func TestInstrumentedCacheStats(t *testing.T) {
	stats := NewStats()
	c := NewInstrumentedCache(NewMemoryCache(4, time.Minute), stats)

	c.Put("chat-1", entry("a"))
	c.Get("chat-1")
	c.Get("missing")

	hits, misses := stats.Snapshot()
	if hits != 1 || misses != 1 {
		t.Fatalf("stats=(%d,%d) want (1,1)", hits, misses)
	}
}

func TestZeroSizeCacheDisabled(t *testing.T) {
	c := NewMemoryCache(0, time.Minute)
	c.Put("chat-1", entry("a"))
	if _, ok := c.Get("chat-1"); ok {
		t.Fatalf("zero-size cache must not store entries")
	}
}
