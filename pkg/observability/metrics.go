package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bot core. All helper
// methods are nil-receiver safe so components can run unmetered in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Authorization metrics
	PermissionChecksTotal *prometheus.CounterVec
	PermissionCacheTotal  *prometheus.CounterVec
	GraphMutationsTotal   *prometheus.CounterVec

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	SuggestionsTotal prometheus.Counter
	PluginsLoaded    prometheus.Gauge

	// Worker metrics
	UnitsTotal   *prometheus.CounterVec
	UnitDuration prometheus.Histogram
	QueueDepth   prometheus.Gauge
}

// NewMetrics creates and registers all metrics. A nil registry registers
// on a fresh private registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubbub_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"principal", "result"},
		),
		PermissionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubbub_permission_cache_total",
				Help: "Permission cache lookups by side and outcome",
			},
			[]string{"side", "outcome"},
		),
		GraphMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubbub_graph_mutations_total",
				Help: "Administrative permission graph mutations",
			},
			[]string{"op", "outcome"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubbub_dispatch_total",
				Help: "Dispatches routed to plugin backends",
			},
			[]string{"kind", "outcome"},
		),
		SuggestionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hubbub_command_suggestions_total",
				Help: "Unresolved commands answered with phonetic suggestions",
			},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hubbub_plugins_loaded",
				Help: "Number of plugins currently owned by a backend",
			},
		),
		UnitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubbub_worker_units_total",
				Help: "Units of work executed by command workers",
			},
			[]string{"outcome"},
		),
		UnitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hubbub_worker_unit_duration_seconds",
				Help:    "Unit of work execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hubbub_worker_queue_depth",
				Help: "Units of work waiting for an idle worker",
			},
		),
	}

	registry.MustRegister(
		m.PermissionChecksTotal,
		m.PermissionCacheTotal,
		m.GraphMutationsTotal,
		m.DispatchTotal,
		m.SuggestionsTotal,
		m.PluginsLoaded,
		m.UnitsTotal,
		m.UnitDuration,
		m.QueueDepth,
	)

	return m
}

// Handler returns the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePermissionCheck records one permission check outcome.
func (m *Metrics) ObservePermissionCheck(principal, result string) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(principal, result).Inc()
}

// ObserveCache records one permission cache lookup.
func (m *Metrics) ObserveCache(side, outcome string) {
	if m == nil {
		return
	}
	m.PermissionCacheTotal.WithLabelValues(side, outcome).Inc()
}

// ObserveMutation records one administrative graph mutation.
func (m *Metrics) ObserveMutation(op, outcome string) {
	if m == nil {
		return
	}
	m.GraphMutationsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveDispatch records one routed dispatch.
func (m *Metrics) ObserveDispatch(kind, outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSuggestion records one suggestion fallback.
func (m *Metrics) ObserveSuggestion() {
	if m == nil {
		return
	}
	m.SuggestionsTotal.Inc()
}

// SetPluginsLoaded records the current plugin count.
func (m *Metrics) SetPluginsLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// ObserveUnit records one executed unit of work.
func (m *Metrics) ObserveUnit(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UnitsTotal.WithLabelValues(outcome).Inc()
	m.UnitDuration.Observe(d.Seconds())
}

// AddQueueDepth adjusts the pending unit gauge.
func (m *Metrics) AddQueueDepth(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}
