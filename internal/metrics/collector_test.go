package metrics_test

import (
	"testing"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/metrics"
)

func TestCollector_SnapshotAndReset(t *testing.T) {
	c := metrics.NewCollector(nil)

	c.RecordRead(true, 10*time.Millisecond)
	c.RecordRead(false, 30*time.Millisecond)
	c.RecordWrite(true, 20*time.Millisecond)
	c.RecordRetry()
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.RecordCacheSet()
	c.RecordCacheEvictions(2)
	c.RecordPollCycle(500*time.Millisecond, 3, 1, 2)
	c.RecordMQTTPublish(true)
	c.RecordMQTTPublish(false)

	snap := c.Snapshot()

	if snap.Modbus.Reads != 2 || snap.Modbus.ReadErrors != 1 {
		t.Errorf("modbus read counters = %+v", snap.Modbus)
	}
	if snap.Modbus.Writes != 1 || snap.Modbus.WriteErrors != 0 {
		t.Errorf("modbus write counters = %+v", snap.Modbus)
	}
	if snap.Modbus.Retries != 1 {
		t.Errorf("retries = %d, want 1", snap.Modbus.Retries)
	}
	// (10 + 30 + 20) / 3 = 20ms mean.
	if snap.Modbus.AvgLatencyMs != 20 {
		t.Errorf("avg latency = %v, want 20", snap.Modbus.AvgLatencyMs)
	}
	if snap.Cache.Hits != 1 || snap.Cache.Misses != 1 || snap.Cache.Sets != 1 || snap.Cache.Evictions != 2 {
		t.Errorf("cache counters = %+v", snap.Cache)
	}
	if snap.Polling.Cycles != 1 || snap.Polling.TargetSuccess != 3 || snap.Polling.TargetFail != 1 || snap.Polling.TargetSkipped != 2 {
		t.Errorf("polling counters = %+v", snap.Polling)
	}
	if snap.Polling.LastCycleSeconds != 0.5 {
		t.Errorf("last cycle seconds = %v, want 0.5", snap.Polling.LastCycleSeconds)
	}
	if snap.Polling.LastCycleTime == "" {
		t.Error("last cycle time not stamped")
	}
	if snap.MQTT.Published != 1 || snap.MQTT.Failed != 1 {
		t.Errorf("mqtt counters = %+v", snap.MQTT)
	}

	c.Reset()
	snap = c.Snapshot()
	if snap.Modbus.Reads != 0 || snap.Cache.Hits != 0 || snap.Polling.Cycles != 0 || snap.MQTT.Published != 0 {
		t.Errorf("counters survived reset: %+v", snap)
	}
	if snap.Modbus.AvgLatencyMs != 0 {
		t.Errorf("latency mean survived reset: %v", snap.Modbus.AvgLatencyMs)
	}
}

func TestCollector_WithRegistry(t *testing.T) {
	reg := metrics.NewRegistry()
	c := metrics.NewCollector(reg)

	// Mirrored increments must not panic and must gather cleanly.
	c.RecordRead(true, time.Millisecond)
	c.RecordCacheHit()
	c.RecordPollCycle(time.Second, 1, 0, 0)
	c.RecordMQTTPublish(false)
	reg.UpdateActiveGateways(3)

	families, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestRegistry_Isolated(t *testing.T) {
	// Two registries in one process must not collide.
	a := metrics.NewRegistry()
	b := metrics.NewRegistry()
	a.CacheHits.Inc()
	b.CacheHits.Inc()
}
