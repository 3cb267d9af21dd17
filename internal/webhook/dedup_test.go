package webhook

import (
	"testing"
	"time"
)

func TestDedupCacheRoundTrip(t *testing.T) {
	cache := NewDedupCache(time.Hour)

	if _, dup := cache.CheckAndReserve("stripe", "evt_1"); dup {
		t.Fatal("fresh event must not be a duplicate")
	}

	cache.Store("stripe", "evt_1", ProcessedEvent{Status: "success", Result: "purchase-1"})

	cached, dup := cache.CheckAndReserve("stripe", "evt_1")
	if !dup {
		t.Fatal("second delivery must hit the cache")
	}
	if cached.Result != "purchase-1" {
		t.Fatalf("cached result = %v", cached.Result)
	}
}

func TestDedupCacheKeyedByProvider(t *testing.T) {
	cache := NewDedupCache(time.Hour)
	cache.Store("stripe", "evt_1", ProcessedEvent{Status: "success"})

	if _, dup := cache.CheckAndReserve("square", "evt_1"); dup {
		t.Fatal("same id under a different provider is a distinct event")
	}
}

func TestDedupCacheExpires(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cache := NewDedupCache(time.Hour)
	cache.now = func() time.Time { return now }

	cache.Store("stripe", "evt_1", ProcessedEvent{Status: "success"})

	cache.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, dup := cache.CheckAndReserve("stripe", "evt_1"); dup {
		t.Fatal("entries must expire after the TTL")
	}
}
