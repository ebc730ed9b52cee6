// Package metrics exposes Prometheus instrumentation for the worker host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the host's worker metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	spawned       *prometheus.CounterVec
	spawnFailures prometheus.Counter
	exits         *prometheus.CounterVec
	forcedAborts  prometheus.Counter
	active        prometheus.Gauge
	lifetime      *prometheus.HistogramVec
	terminates    prometheus.Counter
}

// NewCollector creates a collector. An empty namespace selects "webworker".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "webworker"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.spawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "spawned_total",
			Help:      "Workers started, by kind",
		},
		[]string{"kind"},
	)

	c.spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "spawn_failures_total",
			Help:      "Workers that failed before reaching bootstrap",
		},
	)

	c.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "exits_total",
			Help:      "Workers that reached a terminal state, by kind and state",
		},
		[]string{"kind", "state"},
	)

	c.forcedAborts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "termination",
			Name:      "forced_aborts_total",
			Help:      "Engines aborted by the grace-period fallback",
		},
	)

	c.terminates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "termination",
			Name:      "requests_total",
			Help:      "Terminate requests issued by the host",
		},
	)

	c.active = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "active",
			Help:      "Workers currently running",
		},
	)

	c.lifetime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "lifetime_seconds",
			Help:      "Wall time from spawn to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"kind"},
	)

	c.registry.MustRegister(
		c.spawned,
		c.spawnFailures,
		c.exits,
		c.forcedAborts,
		c.terminates,
		c.active,
		c.lifetime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordSpawn counts a started worker and bumps the active gauge.
func (c *Collector) RecordSpawn(kind string) {
	c.spawned.WithLabelValues(kind).Inc()
	c.active.Inc()
}

// RecordSpawnFailure counts a worker that never started.
func (c *Collector) RecordSpawnFailure() {
	c.spawnFailures.Inc()
}

// RecordExit counts a terminal state and observes the worker's lifetime.
func (c *Collector) RecordExit(kind, state string, lifetime time.Duration) {
	c.exits.WithLabelValues(kind, state).Inc()
	c.lifetime.WithLabelValues(kind).Observe(lifetime.Seconds())
	c.active.Dec()
}

// RecordTerminateRequest counts a host-issued terminate.
func (c *Collector) RecordTerminateRequest() {
	c.terminates.Inc()
}

// RecordForcedAbort counts a grace-period abort.
func (c *Collector) RecordForcedAbort() {
	c.forcedAborts.Inc()
}
