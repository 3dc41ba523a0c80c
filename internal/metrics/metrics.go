// Package metrics exposes the process-wide Prometheus registry and the
// counters the health surface is built on.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Fetch outcomes per provider. Watch for: transient vs quota ratio,
	// schema failures after a provider changes its payload.
	FetchesTotal *prometheus.CounterVec

	// Provider fetch latency. Watch for: p95 > 2s means upstream degradation.
	FetchDuration *prometheus.HistogramVec

	// Validation decisions per variable. Watch for: rejection spikes after
	// a provider change.
	ValidationsTotal *prometheus.CounterVec

	// Store put outcomes. Conflicts should be rare and stable; a jump
	// means two providers disagree about the same cell.
	PutsTotal *prometheus.CounterVec

	// Store put latency. The scheduler halves its worker cap when the
	// recent p95 exceeds its backpressure threshold.
	PutDuration prometheus.Histogram

	// Scheduler pair states. Watch for: broken > 0 needs a manual reset.
	PairState *prometheus.GaugeVec

	// Alert transitions. Watch for: open/close churn on one kind means the
	// debounce windows are too short.
	AlertTransitionsTotal *prometheus.CounterVec

	// Alert transitions dropped after the upsert retry budget ran out.
	MissedTransitionsTotal prometheus.Counter

	// Indicator computations per indicator id and outcome (ok | unknown).
	IndicatorSamplesTotal *prometheus.CounterVec

	// Evaluation ticks. Watch for: duration creeping toward the tick period.
	TickDuration prometheus.Histogram

	// Read API requests by method, route pattern and status class.
	HTTPRequestsTotal *prometheus.CounterVec

	// Read API request latency per route pattern.
	HTTPRequestDuration *prometheus.HistogramVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromet_fetches_total",
			Help: "Provider fetches by provider and outcome (ok, quota, transient, permanent, schema)",
		},
		[]string{"provider", "outcome"},
	)
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agromet_fetch_duration_seconds",
			Help:    "Provider fetch latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"provider"},
	)
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromet_validations_total",
			Help: "Validation decisions by variable and decision (accepted, repaired, rejected)",
		},
		[]string{"variable", "decision"},
	)
	PutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromet_store_puts_total",
			Help: "Store put record outcomes (inserted, replaced, conflicted, rejected_duplicate)",
		},
		[]string{"outcome"},
	)
	PutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agromet_store_put_duration_seconds",
			Help:    "Store put batch latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
	)
	PairState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agromet_scheduler_pairs",
			Help: "Number of (station, provider) pairs per scheduler state",
		},
		[]string{"state"},
	)
	AlertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromet_alert_transitions_total",
			Help: "Alert transitions by kind and transition (opened, updated, closed)",
		},
		[]string{"kind", "transition"},
	)
	MissedTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agromet_alert_missed_transitions_total",
			Help: "Alert transitions dropped after the upsert retry budget was exhausted",
		},
	)
	IndicatorSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromet_indicator_samples_total",
			Help: "Indicator samples by indicator id and outcome (ok, unknown)",
		},
		[]string{"indicator", "outcome"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agromet_tick_duration_seconds",
			Help:    "Evaluation tick latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agromet_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agromet_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds per route",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(
		FetchesTotal, FetchDuration,
		ValidationsTotal,
		PutsTotal, PutDuration,
		PairState,
		AlertTransitionsTotal, MissedTransitionsTotal,
		IndicatorSamplesTotal,
		TickDuration,
		HTTPRequestsTotal, HTTPRequestDuration,
	)
}

// Handler serves the registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the process registry for additional registrations.
func Registry() *prometheus.Registry {
	return registry
}
