// Package metrics provides in-memory counters and Prometheus metrics
// for the Modbus Bridge.
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// Collector tracks service counters with atomic increments and serves
// point-in-time snapshots for the /api/metrics endpoint.
type Collector struct {
	modbusReads       atomic.Uint64
	modbusReadErrors  atomic.Uint64
	modbusWrites      atomic.Uint64
	modbusWriteErrors atomic.Uint64
	modbusRetries     atomic.Uint64
	latencyTotalNanos atomic.Int64
	latencyCount      atomic.Uint64

	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	cacheSets      atomic.Uint64
	cacheEvictions atomic.Uint64

	pollCycles        atomic.Uint64
	pollTargetSuccess atomic.Uint64
	pollTargetFail    atomic.Uint64
	pollSkipped       atomic.Uint64
	lastCycleNanos    atomic.Int64
	lastCycleUnixNano atomic.Int64

	mqttPublished atomic.Uint64
	mqttFailed    atomic.Uint64

	registry *Registry
}

// NewCollector creates a collector. The Prometheus registry is optional
// and mirrored on every increment when present.
func NewCollector(registry *Registry) *Collector {
	return &Collector{registry: registry}
}

// RecordRead records a Modbus read outcome and its latency.
func (c *Collector) RecordRead(success bool, latency time.Duration) {
	c.modbusReads.Add(1)
	if !success {
		c.modbusReadErrors.Add(1)
	}
	c.latencyTotalNanos.Add(latency.Nanoseconds())
	c.latencyCount.Add(1)

	if c.registry != nil {
		c.registry.RecordRequest("read", success, latency.Seconds())
	}
}

// RecordWrite records a Modbus write outcome and its latency.
func (c *Collector) RecordWrite(success bool, latency time.Duration) {
	c.modbusWrites.Add(1)
	if !success {
		c.modbusWriteErrors.Add(1)
	}
	c.latencyTotalNanos.Add(latency.Nanoseconds())
	c.latencyCount.Add(1)

	if c.registry != nil {
		c.registry.RecordRequest("write", success, latency.Seconds())
	}
}

// RecordRetry records one Modbus retry attempt.
func (c *Collector) RecordRetry() {
	c.modbusRetries.Add(1)
	if c.registry != nil {
		c.registry.Retries.Inc()
	}
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Add(1)
	if c.registry != nil {
		c.registry.CacheHits.Inc()
	}
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Add(1)
	if c.registry != nil {
		c.registry.CacheMisses.Inc()
	}
}

// RecordCacheSet records a cache upsert.
func (c *Collector) RecordCacheSet() {
	c.cacheSets.Add(1)
	if c.registry != nil {
		c.registry.CacheSets.Inc()
	}
}

// RecordCacheEvictions adds to the eviction counter.
func (c *Collector) RecordCacheEvictions(n uint64) {
	c.cacheEvictions.Add(n)
	if c.registry != nil {
		c.registry.CacheEvictions.Add(float64(n))
	}
}

// UpdateActiveGateways updates the live gateway gauge.
func (c *Collector) UpdateActiveGateways(count int) {
	if c.registry != nil {
		c.registry.UpdateActiveGateways(count)
	}
}

// RecordPollCycle records one completed poll cycle.
func (c *Collector) RecordPollCycle(duration time.Duration, success, fail, skipped uint64) {
	c.pollCycles.Add(1)
	c.pollTargetSuccess.Add(success)
	c.pollTargetFail.Add(fail)
	c.pollSkipped.Add(skipped)
	c.lastCycleNanos.Store(duration.Nanoseconds())
	c.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	if c.registry != nil {
		c.registry.RecordPollCycle(duration.Seconds(), success, fail, skipped)
	}
}

// RecordMQTTPublish records an MQTT publish outcome.
func (c *Collector) RecordMQTTPublish(success bool) {
	if success {
		c.mqttPublished.Add(1)
	} else {
		c.mqttFailed.Add(1)
	}
	if c.registry != nil {
		c.registry.RecordMQTTPublish(success)
	}
}

// ModbusSnapshot holds the Modbus counter snapshot.
type ModbusSnapshot struct {
	Reads          uint64  `json:"reads"`
	ReadErrors     uint64  `json:"read_errors"`
	Writes         uint64  `json:"writes"`
	WriteErrors    uint64  `json:"write_errors"`
	Retries        uint64  `json:"retries"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	LatencySamples uint64  `json:"latency_samples"`
}

// CacheSnapshot holds the cache counter snapshot.
type CacheSnapshot struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Evictions uint64 `json:"evictions"`
}

// PollingSnapshot holds the polling counter snapshot.
type PollingSnapshot struct {
	Cycles           uint64  `json:"cycles"`
	TargetSuccess    uint64  `json:"target_success"`
	TargetFail       uint64  `json:"target_fail"`
	TargetSkipped    uint64  `json:"target_skipped"`
	LastCycleSeconds float64 `json:"last_cycle_seconds"`
	LastCycleTime    string  `json:"last_cycle_time,omitempty"`
}

// MQTTSnapshot holds the MQTT counter snapshot.
type MQTTSnapshot struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Snapshot is the full counter state returned by /api/metrics.
type Snapshot struct {
	Modbus  ModbusSnapshot  `json:"modbus"`
	Cache   CacheSnapshot   `json:"cache"`
	Polling PollingSnapshot `json:"polling"`
	MQTT    MQTTSnapshot    `json:"mqtt"`
}

// Snapshot returns a consistent-enough view of all counters.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Modbus: ModbusSnapshot{
			Reads:          c.modbusReads.Load(),
			ReadErrors:     c.modbusReadErrors.Load(),
			Writes:         c.modbusWrites.Load(),
			WriteErrors:    c.modbusWriteErrors.Load(),
			Retries:        c.modbusRetries.Load(),
			LatencySamples: c.latencyCount.Load(),
		},
		Cache: CacheSnapshot{
			Hits:      c.cacheHits.Load(),
			Misses:    c.cacheMisses.Load(),
			Sets:      c.cacheSets.Load(),
			Evictions: c.cacheEvictions.Load(),
		},
		Polling: PollingSnapshot{
			Cycles:           c.pollCycles.Load(),
			TargetSuccess:    c.pollTargetSuccess.Load(),
			TargetFail:       c.pollTargetFail.Load(),
			TargetSkipped:    c.pollSkipped.Load(),
			LastCycleSeconds: float64(c.lastCycleNanos.Load()) / float64(time.Second),
		},
		MQTT: MQTTSnapshot{
			Published: c.mqttPublished.Load(),
			Failed:    c.mqttFailed.Load(),
		},
	}

	if count := snap.Modbus.LatencySamples; count > 0 {
		mean := float64(c.latencyTotalNanos.Load()) / float64(count) / float64(time.Millisecond)
		snap.Modbus.AvgLatencyMs = math.Round(mean*1000) / 1000
	}
	if ts := c.lastCycleUnixNano.Load(); ts > 0 {
		snap.Polling.LastCycleTime = time.Unix(0, ts).UTC().Format(time.RFC3339Nano)
	}

	return snap
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.modbusReads.Store(0)
	c.modbusReadErrors.Store(0)
	c.modbusWrites.Store(0)
	c.modbusWriteErrors.Store(0)
	c.modbusRetries.Store(0)
	c.latencyTotalNanos.Store(0)
	c.latencyCount.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.cacheSets.Store(0)
	c.cacheEvictions.Store(0)
	c.pollCycles.Store(0)
	c.pollTargetSuccess.Store(0)
	c.pollTargetFail.Store(0)
	c.pollSkipped.Store(0)
	c.lastCycleNanos.Store(0)
	c.lastCycleUnixNano.Store(0)
	c.mqttPublished.Store(0)
	c.mqttFailed.Store(0)
}
