// Package metrics exposes Prometheus collectors for the orchestration core.
// Every method is nil-safe so components can run without a metrics handle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the collectors published by crucible.
type Metrics struct {
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobsCancelled   prometheus.Counter
	attempts        prometheus.Counter
	engineLoads     prometheus.Counter
	engineTerminate prometheus.Counter
	watchdogTrips   prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	queueDepth      prometheus.Gauge
}

// New registers crucible's collectors on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_jobs_completed_total",
			Help: "Jobs that reached completed status.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_jobs_failed_total",
			Help: "Jobs that reached failed status.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_jobs_cancelled_total",
			Help: "Jobs that reached cancelled status.",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_ladder_attempts_total",
			Help: "Fallback-ladder attempts executed.",
		}),
		engineLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_engine_loads_total",
			Help: "Engine instances loaded, including reloads after recovery.",
		}),
		engineTerminate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_engine_terminations_total",
			Help: "Forced engine terminations.",
		}),
		watchdogTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_watchdog_trips_total",
			Help: "Engine commands killed by the execution watchdog.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_asset_cache_hits_total",
			Help: "Asset-bundle cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_asset_cache_misses_total",
			Help: "Asset-bundle cache misses.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crucible_queue_pending",
			Help: "Items currently pending in the batch queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.jobsCompleted, m.jobsFailed, m.jobsCancelled,
			m.attempts,
			m.engineLoads, m.engineTerminate, m.watchdogTrips,
			m.cacheHits, m.cacheMisses,
			m.queueDepth,
		)
	}
	return m
}

func (m *Metrics) JobCompleted() {
	if m != nil {
		m.jobsCompleted.Inc()
	}
}

func (m *Metrics) JobFailed() {
	if m != nil {
		m.jobsFailed.Inc()
	}
}

func (m *Metrics) JobCancelled() {
	if m != nil {
		m.jobsCancelled.Inc()
	}
}

func (m *Metrics) AttemptRun() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) EngineLoaded() {
	if m != nil {
		m.engineLoads.Inc()
	}
}

func (m *Metrics) EngineTerminated() {
	if m != nil {
		m.engineTerminate.Inc()
	}
}

func (m *Metrics) WatchdogTripped() {
	if m != nil {
		m.watchdogTrips.Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
