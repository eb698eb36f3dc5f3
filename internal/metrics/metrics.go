// Package metrics holds the Prometheus collectors of the engine. All recording
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portfolio"

// Metrics groups every collector
type Metrics struct {
	registry *prometheus.Registry

	RebuildRuns     *prometheus.CounterVec
	RebuildItems    *prometheus.CounterVec
	RebuildDuration *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	Inconsistencies *prometheus.CounterVec
	Calculations    *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RebuildRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebuild_runs_total",
				Help:      "Batch rebuild runs by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		RebuildItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebuild_items_total",
				Help:      "Per-key rebuild results by job",
			},
			[]string{"job", "result"},
		),
		RebuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rebuild_duration_seconds",
				Help:      "Wall-clock duration of batch rebuilds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache reads by cache kind and result (hit, miss, stale)",
			},
			[]string{"cache", "result"},
		),
		Inconsistencies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calculation_inconsistencies_total",
				Help:      "Stored values disagreeing with replayed values beyond tolerance",
			},
			[]string{"field"},
		),
		Calculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "performance_calculations_total",
				Help:      "On-demand performance calculations by period and result",
			},
			[]string{"period", "result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
	}

	m.registry.MustRegister(
		m.RebuildRuns,
		m.RebuildItems,
		m.RebuildDuration,
		m.CacheLookups,
		m.Inconsistencies,
		m.Calculations,
		m.HTTPRequests,
		m.HTTPDuration,
		m.BreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRebuild records one finished batch rebuild
func (m *Metrics) ObserveRebuild(job string, succeeded, failed, skipped int, exhausted bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "complete"
	if exhausted {
		outcome = "budget_exhausted"
	} else if failed > 0 {
		outcome = "partial"
	}
	m.RebuildRuns.WithLabelValues(job, outcome).Inc()
	m.RebuildItems.WithLabelValues(job, "succeeded").Add(float64(succeeded))
	m.RebuildItems.WithLabelValues(job, "failed").Add(float64(failed))
	m.RebuildItems.WithLabelValues(job, "skipped").Add(float64(skipped))
	m.RebuildDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// CacheLookup records a cache read result
func (m *Metrics) CacheLookup(cache, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

// Inconsistency records a consistency check failure
func (m *Metrics) Inconsistency(field string) {
	if m == nil {
		return
	}
	m.Inconsistencies.WithLabelValues(field).Inc()
}

// Calculation records an on-demand calculation result (ok or the error code)
func (m *Metrics) Calculation(period, result string) {
	if m == nil {
		return
	}
	m.Calculations.WithLabelValues(period, result).Inc()
}

// HTTPRequest records a served request
func (m *Metrics) HTTPRequest(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetBreakerState records a breaker transition
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}
