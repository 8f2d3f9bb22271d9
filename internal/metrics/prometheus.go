package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Cache metrics
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheWriteFailures *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec

	// Fetch metrics
	FetchesTotal   *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec
	FetchDecisions *prometheus.CounterVec
	StaleServes    prometheus.Counter

	// Retry metrics
	RetryAttempts *prometheus.CounterVec

	// Selection and event metrics
	SelectionChanges *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
}

// New creates and registers Prometheus metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"tier"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"tier"},
		),

		CacheWriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_cache_write_failures_total",
				Help: "Total number of failed persistent tier writes",
			},
			[]string{"operation"},
		),

		CacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_cache_invalidations_total",
				Help: "Total number of cache invalidations",
			},
			[]string{"scope"},
		),

		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_fetches_total",
				Help: "Total number of tenant fetches by outcome",
			},
			[]string{"outcome"},
		),

		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantctx_fetch_duration_seconds",
				Help:    "Duration of remote tenant fetches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		FetchDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_fetch_decisions_total",
				Help: "Request coordinator decisions",
			},
			[]string{"decision"},
		),

		StaleServes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantctx_stale_serves_total",
				Help: "Number of failed fetches answered from cache",
			},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_retry_attempts_total",
				Help: "Number of retries issued by the retry executor",
			},
			[]string{"error_kind"},
		),

		SelectionChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_selection_changes_total",
				Help: "Number of selected tenant changes by reason",
			},
			[]string{"reason"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantctx_events_published_total",
				Help: "Number of events published on the bus",
			},
			[]string{"topic"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		HTTPInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantd_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
	}
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(tier string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(tier string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(tier).Inc()
}

// RecordCacheWriteFailure records a failed persistent write
func (m *Metrics) RecordCacheWriteFailure(operation string) {
	if m == nil {
		return
	}
	m.CacheWriteFailures.WithLabelValues(operation).Inc()
}

// RecordInvalidation records a cache invalidation
func (m *Metrics) RecordInvalidation(scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(scope).Inc()
}

// RecordFetch records a fetch outcome and its duration
func (m *Metrics) RecordFetch(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordDecision records a request coordinator decision
func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.FetchDecisions.WithLabelValues(decision).Inc()
}

// RecordStaleServe records a failed fetch answered from cache
func (m *Metrics) RecordStaleServe() {
	if m == nil {
		return
	}
	m.StaleServes.Inc()
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(errorKind string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(errorKind).Inc()
}

// RecordSelectionChange records a selection change
func (m *Metrics) RecordSelectionChange(reason string) {
	if m == nil {
		return
	}
	m.SelectionChanges.WithLabelValues(reason).Inc()
}

// RecordEvent records a published event
func (m *Metrics) RecordEvent(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// InFlight adjusts the in-flight request gauge by delta
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.HTTPInFlight.Add(delta)
}
