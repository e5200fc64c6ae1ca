package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service. Metrics are
// registered against a private registerer so multiple registries can
// coexist in tests.
type Registry struct {
	registerer *prometheus.Registry

	// Modbus request metrics
	RequestsTotal  *prometheus.CounterVec
	RequestErrors  *prometheus.CounterVec
	RequestLatency prometheus.Histogram
	Retries        prometheus.Counter

	// Gateway metrics
	GatewaysActive prometheus.Gauge

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheSets      prometheus.Counter
	CacheEvictions prometheus.Counter

	// Polling metrics
	PollCycles   prometheus.Counter
	PollDuration prometheus.Histogram
	PollTargets  *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
}

// NewRegistry creates a metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		registerer: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "requests_total",
			Help:      "Total Modbus operations by type",
		}, []string{"op"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "request_errors_total",
			Help:      "Total failed Modbus operations by type",
		}, []string{"op"}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "request_latency_seconds",
			Help:      "Modbus operation latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "retries_total",
			Help:      "Total Modbus retry attempts",
		}),

		GatewaysActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "gateways_active",
			Help:      "Number of gateways currently held by the manager",
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache misses",
		}),
		CacheSets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "cache",
			Name:      "sets_total",
			Help:      "Total cache upserts",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total cache evictions",
		}),

		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Total completed poll cycles",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Poll cycle duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		PollTargets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "polling",
			Name:      "targets_total",
			Help:      "Polled targets by outcome",
		}, []string{"status"}),

		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total failed MQTT publishes",
		}),
	}

	return r
}

// Gatherer exposes the private registry for the /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registerer }

// RecordRequest records a Modbus operation outcome.
func (r *Registry) RecordRequest(op string, success bool, latency float64) {
	r.RequestsTotal.WithLabelValues(op).Inc()
	if !success {
		r.RequestErrors.WithLabelValues(op).Inc()
	}
	r.RequestLatency.Observe(latency)
}

// RecordPollCycle records a completed poll cycle.
func (r *Registry) RecordPollCycle(duration float64, success, fail, skipped uint64) {
	r.PollCycles.Inc()
	r.PollDuration.Observe(duration)
	r.PollTargets.WithLabelValues("success").Add(float64(success))
	r.PollTargets.WithLabelValues("fail").Add(float64(fail))
	r.PollTargets.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// UpdateActiveGateways updates the gauge of gateways held by the manager.
func (r *Registry) UpdateActiveGateways(count int) {
	r.GatewaysActive.Set(float64(count))
}
