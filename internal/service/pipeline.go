package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-bridge/internal/cache"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
)

// SourceLive and SourceCache select where a read is served from.
const (
	SourceLive  = "live"
	SourceCache = "cache"
)

// ManagerAPI is the slice of the Modbus manager the pipeline uses.
type ManagerAPI interface {
	Read(ctx context.Context, deviceID string, registerType domain.RegisterType, address, count int) ([]int, error)
	Write(ctx context.Context, deviceID string, registerType domain.RegisterType, address, value int) error
	ResetGateway(deviceID string)
}

// ReadResult is the outcome of a pipeline read.
type ReadResult struct {
	DeviceID     string              `json:"device_id"`
	RegisterType domain.RegisterType `json:"register_type"`
	Address      int                 `json:"address"`
	Count        int                 `json:"count"`
	Values       []int               `json:"values"`
	Source       string              `json:"source"`
	CachedAt     *time.Time          `json:"cached_at,omitempty"`
}

// Pipeline validates data-plane requests, chooses between cache and
// live reads, and enforces the total request budget across all Modbus
// retries.
type Pipeline struct {
	manager   ManagerAPI
	cache     *cache.RegisterCache
	collector *metrics.Collector
	budget    time.Duration
	logger    zerolog.Logger
}

// NewPipeline creates a pipeline with the given wall-clock budget.
func NewPipeline(manager ManagerAPI, registerCache *cache.RegisterCache, collector *metrics.Collector, budget time.Duration, logger zerolog.Logger) *Pipeline {
	if budget <= 0 {
		budget = 5 * time.Second
	}
	return &Pipeline{
		manager:   manager,
		cache:     registerCache,
		collector: collector,
		budget:    budget,
		logger:    logger.With().Str("component", "request-pipeline").Logger(),
	}
}

// ParseSource validates the source query parameter.
func ParseSource(s string) (string, error) {
	switch s {
	case "", SourceLive:
		return SourceLive, nil
	case SourceCache:
		return SourceCache, nil
	default:
		return "", domain.Validationf("unknown source %q (expected live or cache)", s)
	}
}

// Read serves a register read. With source=cache a hit is returned
// without touching the device; a miss falls back to a live read and the
// response says so.
func (p *Pipeline) Read(ctx context.Context, deviceID string, registerType domain.RegisterType, address, count int, source string) (ReadResult, error) {
	if err := domain.ValidateRead(registerType, address, count); err != nil {
		return ReadResult{}, err
	}

	if source == SourceCache {
		if entry, ok := p.cache.Get(deviceID, registerType, address, count); ok {
			if p.collector != nil {
				p.collector.RecordCacheHit()
			}
			cachedAt := entry.CachedAt
			return ReadResult{
				DeviceID:     deviceID,
				RegisterType: registerType,
				Address:      address,
				Count:        count,
				Values:       entry.Values,
				Source:       SourceCache,
				CachedAt:     &cachedAt,
			}, nil
		}
		if p.collector != nil {
			p.collector.RecordCacheMiss()
		}
	}

	values, err := p.liveRead(ctx, deviceID, registerType, address, count)
	if err != nil {
		return ReadResult{}, err
	}

	p.cache.Set(deviceID, registerType, address, count, values)
	if p.collector != nil {
		p.collector.RecordCacheSet()
	}

	return ReadResult{
		DeviceID:     deviceID,
		RegisterType: registerType,
		Address:      address,
		Count:        count,
		Values:       values,
		Source:       SourceLive,
	}, nil
}

// WriteResult is the outcome of a pipeline write.
type WriteResult struct {
	DeviceID     string              `json:"device_id"`
	RegisterType domain.RegisterType `json:"register_type"`
	Address      int                 `json:"address"`
	Value        int                 `json:"value"`
	OK           bool                `json:"ok"`
}

// Write serves a register write. Only holding registers and coils are
// writable. On success cached ranges covering the touched register are
// invalidated and a fresh single-register entry is stored.
func (p *Pipeline) Write(ctx context.Context, deviceID string, registerType domain.RegisterType, address, value int) (WriteResult, error) {
	if err := domain.ValidateWrite(registerType, address, value); err != nil {
		return WriteResult{}, err
	}

	budgetCtx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	if err := p.guard(budgetCtx, deviceID, func(ctx context.Context) error {
		return p.manager.Write(ctx, deviceID, registerType, address, value)
	}); err != nil {
		return WriteResult{}, err
	}

	p.cache.InvalidateDevice(deviceID, registerType, address, 1)

	// Refresh the touched register so an immediate cache read reflects
	// the write. Best effort inside the remaining budget.
	if values, err := p.manager.Read(budgetCtx, deviceID, registerType, address, 1); err == nil {
		p.cache.Set(deviceID, registerType, address, 1, values)
		if p.collector != nil {
			p.collector.RecordCacheSet()
		}
	} else {
		p.logger.Debug().
			Err(err).
			Str("device_id", deviceID).
			Msg("Post-write cache refresh failed")
	}

	return WriteResult{
		DeviceID:     deviceID,
		RegisterType: registerType,
		Address:      address,
		Value:        value,
		OK:           true,
	}, nil
}

// liveRead runs a manager read under the request budget.
func (p *Pipeline) liveRead(ctx context.Context, deviceID string, registerType domain.RegisterType, address, count int) ([]int, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	var values []int
	err := p.guard(budgetCtx, deviceID, func(ctx context.Context) error {
		var err error
		values, err = p.manager.Read(ctx, deviceID, registerType, address, count)
		return err
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// guard runs op and abandons it when the budget expires, resetting the
// device's gateway so the half-written socket is not reused.
func (p *Pipeline) guard(ctx context.Context, deviceID string, op func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.manager.ResetGateway(deviceID)
		return domain.TransportError(true,
			fmt.Sprintf("request timeout after %s, connection reset", p.budget), ctx.Err())
	}
}
