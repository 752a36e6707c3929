// Package metrics defines the Prometheus instrumentation. Everything hangs
// off one Metrics value with its own registry; there are no package-level
// collectors, so tests can build as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal         *prometheus.CounterVec
	SecurityViolationsTotal *prometheus.CounterVec
	EventsAppendedTotal     prometheus.Counter
	SnapshotsWrittenTotal   prometheus.Counter
	ExpirationsTotal        prometheus.Counter
	InboxEvictionsTotal     prometheus.Counter
	RequestDuration         *prometheus.HistogramVec
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_operations_total",
			Help: "Engine operations by name and outcome (ok or error kind).",
		}, []string{"op", "outcome"}),
		SecurityViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_security_violations_total",
			Help: "Audited security denials by cause class.",
		}, []string{"class"}),
		EventsAppendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_events_appended_total",
			Help: "Events appended to the log.",
		}),
		SnapshotsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_snapshots_written_total",
			Help: "Projection snapshots written.",
		}),
		ExpirationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_elicitations_expired_total",
			Help: "Elicitations transitioned to expired by the scheduler.",
		}),
		InboxEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_inbox_evictions_total",
			Help: "Notifications evicted from full inboxes.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	reg.MustRegister(
		m.OperationsTotal,
		m.SecurityViolationsTotal,
		m.EventsAppendedTotal,
		m.SnapshotsWrittenTotal,
		m.ExpirationsTotal,
		m.InboxEvictionsTotal,
		m.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterGauges installs callback gauges over live state counters.
func (m *Metrics) RegisterGauges(activeElicitations, liveSessions, experts func() float64) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parley_active_elicitations",
			Help: "Non-terminal elicitations.",
		}, activeElicitations),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parley_live_sessions",
			Help: "Live agent sessions.",
		}, liveSessions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parley_registered_experts",
			Help: "Registered expert advertisements.",
		}, experts),
	)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Operation records one engine operation outcome.
func (m *Metrics) Operation(op, outcome string) {
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
}
