package cache_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/cache"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/rs/zerolog"
)

func newCache(ttl time.Duration) *cache.RegisterCache {
	return cache.New(ttl, zerolog.Nop())
}

func TestCache_SetGet(t *testing.T) {
	c := newCache(time.Minute)

	c.Set("d1", domain.RegisterHolding, 0, 3, []int{1, 2, 3})

	entry, ok := c.Get("d1", domain.RegisterHolding, 0, 3)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(entry.Values) != 3 || entry.Values[0] != 1 || entry.Values[2] != 3 {
		t.Errorf("unexpected values %v", entry.Values)
	}
	if entry.CachedAt.IsZero() {
		t.Error("cached_at not stamped")
	}
	if entry.CachedAt.Location() != time.UTC {
		t.Error("cached_at must be UTC")
	}

	if _, ok := c.Get("d1", domain.RegisterHolding, 0, 4); ok {
		t.Error("different count must be a different key")
	}
	if _, ok := c.Get("d1", domain.RegisterInput, 0, 3); ok {
		t.Error("different register type must be a different key")
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := newCache(time.Minute)
	c.Set("d1", domain.RegisterHolding, 0, 1, []int{7})

	entry, _ := c.Get("d1", domain.RegisterHolding, 0, 1)
	entry.Values[0] = 99

	again, _ := c.Get("d1", domain.RegisterHolding, 0, 1)
	if again.Values[0] != 7 {
		t.Error("callers must not be able to mutate stored values")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newCache(20 * time.Millisecond)
	c.Set("d1", domain.RegisterHolding, 10, 1, []int{5})

	if _, ok := c.Get("d1", domain.RegisterHolding, 10, 1); !ok {
		t.Fatal("fresh entry should hit")
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("d1", domain.RegisterHolding, 10, 1); ok {
		t.Fatal("expired entry should miss")
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
	if stats.Entries != 0 {
		t.Errorf("expired entry not removed, entries = %d", stats.Entries)
	}
}

func TestCache_TimestampMonotone(t *testing.T) {
	c := newCache(time.Minute)

	c.Set("d1", domain.RegisterHolding, 0, 1, []int{5})
	first, _ := c.Get("d1", domain.RegisterHolding, 0, 1)

	time.Sleep(5 * time.Millisecond)

	c.Set("d1", domain.RegisterHolding, 0, 1, []int{5})
	second, _ := c.Get("d1", domain.RegisterHolding, 0, 1)

	if !second.CachedAt.After(first.CachedAt) {
		t.Error("cached_at must advance on re-set")
	}
	if second.Values[0] != 5 {
		t.Error("values must be unchanged")
	}
}

func TestCache_InvalidateDeviceOverlap(t *testing.T) {
	c := newCache(time.Minute)
	c.Set("d1", domain.RegisterHolding, 0, 5, []int{1, 2, 3, 4, 5})
	c.Set("d1", domain.RegisterHolding, 10, 2, []int{6, 7})
	c.Set("d1", domain.RegisterInput, 3, 1, []int{8})
	c.Set("d2", domain.RegisterHolding, 3, 1, []int{9})

	// Touches holding register 3 only.
	removed := c.InvalidateDevice("d1", domain.RegisterHolding, 3, 1)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, ok := c.Get("d1", domain.RegisterHolding, 0, 5); ok {
		t.Error("overlapping range should have been invalidated")
	}
	if _, ok := c.Get("d1", domain.RegisterHolding, 10, 2); !ok {
		t.Error("non-overlapping range should survive")
	}
	if _, ok := c.Get("d1", domain.RegisterInput, 3, 1); !ok {
		t.Error("other register space should survive")
	}
	if _, ok := c.Get("d2", domain.RegisterHolding, 3, 1); !ok {
		t.Error("other device should survive")
	}
}

func TestCache_StatsAndKeys(t *testing.T) {
	c := newCache(time.Minute)
	c.Set("d1", domain.RegisterHolding, 0, 1, []int{1})
	c.Set("d2", domain.RegisterCoil, 4, 2, []int{0, 1})

	c.Get("d1", domain.RegisterHolding, 0, 1)
	c.Get("nope", domain.RegisterHolding, 0, 1)

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Sets != 2 || stats.Entries != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	if got := len(c.Keys()); got != 2 {
		t.Errorf("Keys() len = %d, want 2", got)
	}
	if got := c.DeviceKeys("d1"); len(got) != 1 || got[0] != "d1:holding:0:1" {
		t.Errorf("DeviceKeys(d1) = %v", got)
	}

	c.Clear()
	if got := c.Stats().Entries; got != 0 {
		t.Errorf("entries after Clear = %d", got)
	}
}

func TestCache_OnEvictHook(t *testing.T) {
	c := newCache(20 * time.Millisecond)

	var evicted atomic.Uint64
	c.OnEvict(func(n uint64) { evicted.Add(n) })

	c.Set("d1", domain.RegisterHolding, 0, 1, []int{1})
	time.Sleep(30 * time.Millisecond)

	// Lazy eviction on Get reports through the hook.
	if _, ok := c.Get("d1", domain.RegisterHolding, 0, 1); ok {
		t.Fatal("expired entry should miss")
	}
	if got := evicted.Load(); got != 1 {
		t.Errorf("hook evictions after Get = %d, want 1", got)
	}

	// So does the background sweep.
	c.Set("d1", domain.RegisterHolding, 5, 1, []int{2})
	c.Set("d1", domain.RegisterHolding, 6, 1, []int{3})
	c.StartSweeper(15 * time.Millisecond)
	defer c.StopSweeper()
	time.Sleep(60 * time.Millisecond)

	if got := evicted.Load(); got != 3 {
		t.Errorf("hook evictions after sweep = %d, want 3", got)
	}
}

func TestCache_Sweeper(t *testing.T) {
	c := newCache(10 * time.Millisecond)
	c.Set("d1", domain.RegisterHolding, 0, 1, []int{1})

	c.StartSweeper(15 * time.Millisecond)
	defer c.StopSweeper()

	time.Sleep(50 * time.Millisecond)

	stats := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("sweeper left %d entries", stats.Entries)
	}
	if stats.Evictions == 0 {
		t.Error("sweeper evictions not counted")
	}
}
