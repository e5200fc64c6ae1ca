// Package cache provides the in-memory register cache with TTL support.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/rs/zerolog"
)

// Entry is one cached read result. Bit registers store values as 0/1.
type Entry struct {
	DeviceID     string              `json:"device_id"`
	RegisterType domain.RegisterType `json:"register_type"`
	Address      int                 `json:"address"`
	Count        int                 `json:"count"`
	Values       []int               `json:"values"`
	CachedAt     time.Time           `json:"cached_at"`
}

// Age returns how long ago the entry was stored.
func (e Entry) Age() time.Duration {
	return time.Since(e.CachedAt)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// RegisterCache stores the latest register values per read tuple.
// Expired entries are evicted lazily on Get plus by an optional
// background sweeper.
type RegisterCache struct {
	ttl    time.Duration
	mu     sync.Mutex
	store  map[string]Entry
	logger zerolog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	evictions atomic.Uint64

	// onEvict, set via OnEvict, is told how many entries expired so the
	// metrics collector can mirror the eviction count.
	onEvict func(n uint64)

	sweepStop chan struct{}
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// Key builds the composite cache key for a read tuple.
func Key(deviceID string, registerType domain.RegisterType, address, count int) string {
	return fmt.Sprintf("%s:%s:%d:%d", deviceID, registerType, address, count)
}

// New creates a cache with the given entry TTL.
func New(ttl time.Duration, logger zerolog.Logger) *RegisterCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &RegisterCache{
		ttl:       ttl,
		store:     make(map[string]Entry, 256),
		logger:    logger.With().Str("component", "register-cache").Logger(),
		sweepStop: make(chan struct{}),
	}
}

// OnEvict registers a callback invoked with the number of evicted
// entries whenever expiry removes them, on Get or in the sweeper.
func (c *RegisterCache) OnEvict(fn func(n uint64)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// notifyEvict calls the eviction callback outside the store lock.
func (c *RegisterCache) notifyEvict(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	fn := c.onEvict
	c.mu.Unlock()
	if fn != nil {
		fn(uint64(n))
	}
}

// Get returns the entry for the read tuple, or false on a miss. An
// expired entry counts as an eviction plus a miss and is removed.
func (c *RegisterCache) Get(deviceID string, registerType domain.RegisterType, address, count int) (Entry, bool) {
	key := Key(deviceID, registerType, address, count)

	c.mu.Lock()
	entry, ok := c.store[key]
	if ok && time.Since(entry.CachedAt) > c.ttl {
		delete(c.store, key)
		c.mu.Unlock()
		c.evictions.Add(1)
		c.misses.Add(1)
		c.notifyEvict(1)
		return Entry{}, false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}

	c.hits.Add(1)
	entry.Values = append([]int(nil), entry.Values...)
	return entry, true
}

// Set upserts the entry for the read tuple, stamping it with the
// current UTC time.
func (c *RegisterCache) Set(deviceID string, registerType domain.RegisterType, address, count int, values []int) {
	entry := Entry{
		DeviceID:     deviceID,
		RegisterType: registerType,
		Address:      address,
		Count:        count,
		Values:       append([]int(nil), values...),
		CachedAt:     time.Now().UTC(),
	}

	c.mu.Lock()
	c.store[Key(deviceID, registerType, address, count)] = entry
	c.mu.Unlock()

	c.sets.Add(1)
}

// Invalidate removes a single entry.
func (c *RegisterCache) Invalidate(deviceID string, registerType domain.RegisterType, address, count int) {
	c.mu.Lock()
	delete(c.store, Key(deviceID, registerType, address, count))
	c.mu.Unlock()
}

// InvalidateDevice removes every cached range for the device in the
// given register space that overlaps [address, address+count).
func (c *RegisterCache) InvalidateDevice(deviceID string, registerType domain.RegisterType, address, count int) int {
	end := address + count

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.store {
		if entry.DeviceID != deviceID || entry.RegisterType != registerType {
			continue
		}
		if entry.Address < end && address < entry.Address+entry.Count {
			delete(c.store, key)
			removed++
		}
	}
	return removed
}

// Clear drops all entries.
func (c *RegisterCache) Clear() {
	c.mu.Lock()
	c.store = make(map[string]Entry, 256)
	c.mu.Unlock()
}

// Keys returns all cache keys.
func (c *RegisterCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.store))
	for key := range c.store {
		keys = append(keys, key)
	}
	return keys
}

// DeviceKeys returns cache keys belonging to the device.
func (c *RegisterCache) DeviceKeys(deviceID string) []string {
	prefix := deviceID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, 8)
	for key := range c.store {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Entries returns a copy of all stored entries. Expired entries that
// have not been evicted yet are included.
func (c *RegisterCache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(c.store))
	for _, entry := range c.store {
		entry.Values = append([]int(nil), entry.Values...)
		entries = append(entries, entry)
	}
	return entries
}

// DeviceEntries returns a copy of the device's stored entries. Expired
// entries that have not been evicted yet are included.
func (c *RegisterCache) DeviceEntries(deviceID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, 8)
	for _, entry := range c.store {
		if entry.DeviceID != deviceID {
			continue
		}
		entry.Values = append([]int(nil), entry.Values...)
		entries = append(entries, entry)
	}
	return entries
}

// Stats returns a snapshot of the cache counters.
func (c *RegisterCache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.store)
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
	}
}

// StartSweeper launches the periodic expired-entry sweep.
func (c *RegisterCache) StartSweeper(period time.Duration) {
	if period <= 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-c.sweepStop:
				return
			case <-ticker.C:
				if removed := c.sweep(); removed > 0 {
					c.notifyEvict(removed)
					c.logger.Debug().Int("removed", removed).Msg("Swept expired cache entries")
				}
			}
		}
	}()
}

// StopSweeper stops the background sweep and waits for it to exit.
func (c *RegisterCache) StopSweeper() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
	c.wg.Wait()
}

// sweep removes all expired entries and returns how many were dropped.
func (c *RegisterCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.store {
		if time.Since(entry.CachedAt) > c.ttl {
			delete(c.store, key)
			removed++
		}
	}
	if removed > 0 {
		c.evictions.Add(uint64(removed))
	}
	return removed
}
