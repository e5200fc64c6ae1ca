// Package service provides the polling scheduler and the request
// pipeline that sit between the HTTP layer and the Modbus manager.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-bridge/internal/cache"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
)

// TargetSource supplies the active polling targets. The poller reads it
// every cycle, so DB changes are picked up without a reload call.
type TargetSource interface {
	ActiveTargets(ctx context.Context) ([]domain.PollingTarget, error)
}

// DeviceReader is the slice of the Modbus manager the poller uses.
type DeviceReader interface {
	Read(ctx context.Context, deviceID string, registerType domain.RegisterType, address, count int) ([]int, error)
	Device(deviceID string) (domain.DeviceConfig, bool)
}

// SamplePublisher forwards polled samples to MQTT.
type SamplePublisher interface {
	Publish(sample mqtt.Sample)
}

// Poller refreshes the register cache on a fixed cadence. One cycle
// runs at a time; an overrunning cycle makes the next one start
// immediately.
type Poller struct {
	interval  time.Duration
	targets   TargetSource
	manager   DeviceReader
	cache     *cache.RegisterCache
	publisher SamplePublisher
	collector *metrics.Collector
	logger    zerolog.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller. The publisher may be nil.
func NewPoller(
	interval time.Duration,
	targets TargetSource,
	manager DeviceReader,
	registerCache *cache.RegisterCache,
	publisher SamplePublisher,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		interval:  interval,
		targets:   targets,
		manager:   manager,
		cache:     registerCache,
		publisher: publisher,
		collector: collector,
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info().Dur("interval", p.interval).Msg("Starting poller")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.cycle(runCtx)

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				// A cycle longer than the interval leaves the next
				// tick pending, so it starts immediately. Cycles
				// never overlap.
				p.cycle(runCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight cycle, bounded by
// ctx.
func (p *Poller) Stop(ctx context.Context) {
	if !p.started.Swap(false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Poller stopped")
	case <-ctx.Done():
		p.logger.Warn().Msg("Timeout waiting for poller to stop")
	}
}

// cycle performs one full pass over the active targets.
func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()

	targets, err := p.targets.ActiveTargets(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to load polling targets")
		if p.collector != nil {
			p.collector.RecordPollCycle(time.Since(start), 0, 0, 0)
		}
		return
	}

	// Group targets by gateway. Targets arrive ordered by id, and
	// append preserves that order inside each group: reads on a shared
	// bus happen in DB order.
	groups := make(map[domain.GatewayKey][]domain.PollingTarget)
	var skipped uint64
	for _, target := range targets {
		cfg, ok := p.manager.Device(target.DeviceID)
		if !ok || !cfg.IsActive {
			skipped++
			p.logger.Debug().
				Str("device_id", target.DeviceID).
				Int64("target_id", target.ID).
				Msg("Skipping target for missing or inactive device")
			continue
		}
		key := cfg.GatewayKey()
		groups[key] = append(groups[key], target)
	}

	// One worker per gateway group; groups run concurrently, targets
	// within a group sequentially to preserve bus serialization.
	var success, fail atomic.Uint64
	var wg sync.WaitGroup
	for key, group := range groups {
		wg.Add(1)
		go func(key domain.GatewayKey, group []domain.PollingTarget) {
			defer wg.Done()
			for _, target := range group {
				if ctx.Err() != nil {
					return
				}
				if p.poll(ctx, target) {
					success.Add(1)
				} else {
					fail.Add(1)
				}
			}
		}(key, group)
	}
	wg.Wait()

	duration := time.Since(start)
	if p.collector != nil {
		p.collector.RecordPollCycle(duration, success.Load(), fail.Load(), skipped)
	}

	p.logger.Debug().
		Int("targets", len(targets)).
		Uint64("success", success.Load()).
		Uint64("fail", fail.Load()).
		Uint64("skipped", skipped).
		Dur("duration", duration).
		Msg("Poll cycle completed")
}

// poll reads one target, caches the result and forwards it to MQTT.
// Failures are counted and logged, never propagated.
func (p *Poller) poll(ctx context.Context, target domain.PollingTarget) bool {
	values, err := p.manager.Read(ctx, target.DeviceID, target.RegisterType, target.Address, target.Count)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("device_id", target.DeviceID).
			Str("register_type", string(target.RegisterType)).
			Int("address", target.Address).
			Int("count", target.Count).
			Msg("Poll read failed")
		return false
	}

	p.cache.Set(target.DeviceID, target.RegisterType, target.Address, target.Count, values)
	if p.collector != nil {
		p.collector.RecordCacheSet()
	}

	if p.publisher != nil {
		p.publisher.Publish(mqtt.Sample{
			DeviceID:     target.DeviceID,
			RegisterType: target.RegisterType,
			Address:      target.Address,
			Count:        target.Count,
			Values:       values,
			Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
		})
	}
	return true
}
