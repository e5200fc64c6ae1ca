package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-bridge/internal/cache"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/service"
)

// fakeManager scripts manager behavior for pipeline and poller tests.
type fakeManager struct {
	mu      sync.Mutex
	values  map[string][]int
	readErr error
	block   time.Duration

	reads   atomic.Int64
	writes  atomic.Int64
	resets  atomic.Int64
	devices map[string]domain.DeviceConfig
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		values:  make(map[string][]int),
		devices: make(map[string]domain.DeviceConfig),
	}
}

func (f *fakeManager) Read(ctx context.Context, deviceID string, registerType domain.RegisterType, address, count int) ([]int, error) {
	f.reads.Add(1)
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return nil, domain.TransportError(true, "device timed out", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	key := cache.Key(deviceID, registerType, address, count)
	if values, ok := f.values[key]; ok {
		return append([]int(nil), values...), nil
	}
	values := make([]int, count)
	return values, nil
}

func (f *fakeManager) Write(ctx context.Context, deviceID string, registerType domain.RegisterType, address, value int) error {
	f.writes.Add(1)
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return domain.TransportError(true, "device timed out", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[cache.Key(deviceID, registerType, address, 1)] = []int{value}
	return nil
}

func (f *fakeManager) ResetGateway(deviceID string) { f.resets.Add(1) }

func (f *fakeManager) Device(deviceID string) (domain.DeviceConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.devices[deviceID]
	return cfg, ok
}

func (f *fakeManager) setValues(deviceID string, registerType domain.RegisterType, address, count int, values []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[cache.Key(deviceID, registerType, address, count)] = values
}

func newPipeline(m *fakeManager, c *cache.RegisterCache, budget time.Duration) *service.Pipeline {
	return service.NewPipeline(m, c, nil, budget, zerolog.Nop())
}

func TestPipeline_LiveReadPopulatesCache(t *testing.T) {
	m := newFakeManager()
	m.setValues("d1", domain.RegisterHolding, 0, 5, []int{1, 2, 3, 4, 5})
	c := cache.New(time.Minute, zerolog.Nop())
	p := newPipeline(m, c, time.Second)

	res, err := p.Read(context.Background(), "d1", domain.RegisterHolding, 0, 5, service.SourceLive)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if res.Source != service.SourceLive || res.CachedAt != nil {
		t.Errorf("live read result = %+v", res)
	}

	entry, ok := c.Get("d1", domain.RegisterHolding, 0, 5)
	if !ok || entry.Values[4] != 5 {
		t.Errorf("cache not populated after live read: %v %v", entry, ok)
	}
}

func TestPipeline_CacheHitDoesNoIO(t *testing.T) {
	m := newFakeManager()
	c := cache.New(time.Minute, zerolog.Nop())
	c.Set("d1", domain.RegisterHolding, 0, 2, []int{8, 9})
	p := newPipeline(m, c, time.Second)

	res, err := p.Read(context.Background(), "d1", domain.RegisterHolding, 0, 2, service.SourceCache)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if res.Source != service.SourceCache {
		t.Errorf("source = %s, want cache", res.Source)
	}
	if res.CachedAt == nil {
		t.Error("cache hit must carry cached_at")
	}
	if m.reads.Load() != 0 {
		t.Error("cache hit must not perform device I/O")
	}
}

func TestPipeline_CacheMissFallsBackToLive(t *testing.T) {
	m := newFakeManager()
	m.setValues("d1", domain.RegisterHolding, 0, 1, []int{42})
	c := cache.New(time.Minute, zerolog.Nop())
	p := newPipeline(m, c, time.Second)

	res, err := p.Read(context.Background(), "d1", domain.RegisterHolding, 0, 1, service.SourceCache)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if res.Source != service.SourceLive {
		t.Errorf("source = %s, want live fallback", res.Source)
	}
	if res.Values[0] != 42 {
		t.Errorf("values = %v", res.Values)
	}
	if m.reads.Load() != 1 {
		t.Errorf("reads = %d, want 1", m.reads.Load())
	}
}

func TestPipeline_ValidationRejects(t *testing.T) {
	m := newFakeManager()
	c := cache.New(time.Minute, zerolog.Nop())
	p := newPipeline(m, c, time.Second)
	ctx := context.Background()

	if _, err := p.Read(ctx, "d1", domain.RegisterHolding, 0, 0, service.SourceLive); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("count=0: got %v", err)
	}
	if _, err := p.Read(ctx, "d1", domain.RegisterHolding, -1, 1, service.SourceLive); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("negative address: got %v", err)
	}
	if _, err := p.Write(ctx, "d1", domain.RegisterDiscrete, 0, 1); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("discrete write: got %v", err)
	}
	if _, err := p.Write(ctx, "d1", domain.RegisterHolding, 0, 70000); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("value overflow: got %v", err)
	}
	if m.reads.Load() != 0 || m.writes.Load() != 0 {
		t.Error("validation failures must not reach the manager")
	}
}

func TestPipeline_WriteInvalidatesAndRefreshesCache(t *testing.T) {
	m := newFakeManager()
	c := cache.New(time.Minute, zerolog.Nop())
	// Seeded by a previous poll: holding 10 = [7].
	c.Set("d1", domain.RegisterHolding, 10, 1, []int{7})
	p := newPipeline(m, c, time.Second)

	res, err := p.Write(context.Background(), "d1", domain.RegisterHolding, 10, 99)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !res.OK {
		t.Error("write result not ok")
	}

	// The touched register was re-read and re-cached with the new
	// value.
	entry, ok := c.Get("d1", domain.RegisterHolding, 10, 1)
	if !ok {
		t.Fatal("expected refreshed cache entry")
	}
	if entry.Values[0] != 99 {
		t.Errorf("cached value after write = %d, want 99", entry.Values[0])
	}
}

func TestPipeline_BudgetTimeoutResetsGateway(t *testing.T) {
	m := newFakeManager()
	m.block = 200 * time.Millisecond
	c := cache.New(time.Minute, zerolog.Nop())
	p := newPipeline(m, c, 30*time.Millisecond)

	start := time.Now()
	_, err := p.Read(context.Background(), "d1", domain.RegisterHolding, 0, 1, service.SourceLive)
	elapsed := time.Since(start)

	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || !de.Timeout {
		t.Errorf("timeout flag not set: %v", err)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("budget not enforced, took %v", elapsed)
	}
	if m.resets.Load() == 0 {
		t.Error("gateway reset not observed after budget timeout")
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: service.SourceLive},
		{in: "live", want: service.SourceLive},
		{in: "cache", want: service.SourceCache},
		{in: "db", wantErr: true},
	}
	for _, tt := range tests {
		got, err := service.ParseSource(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSource(%q) error = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseSource(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
