// Package metrics exposes Prometheus collectors for the support backend.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aess"

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	progress       *prometheus.CounterVec
	ledgerFailures *prometheus.CounterVec
	logins         *prometheus.CounterVec
	liveStreams    prometheus.Gauge
	sweptSessions  *prometheus.CounterVec
	rateLimited    prometheus.Counter
}

// New creates the collectors. Process and Go runtime collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Query turns by outcome.",
		}, []string{"mode", "outcome"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one query turn.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		progress: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_notices_total",
			Help:      "Progress notices emitted, by kind.",
		}, []string{"kind"}),
		ledgerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_append_failures_total",
			Help:      "Interaction history appends that failed.",
		}, []string{"action"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		liveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_streams",
			Help:      "Open streaming query connections.",
		}),
		sweptSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_rows_total",
			Help:      "Rows removed by the idle session sweeper.",
		}, []string{"table"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Query requests rejected by the rate limiter.",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(mode, outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

// ProgressNotice counts one progress notice.
func (m *Metrics) ProgressNotice(kind string) {
	if m == nil {
		return
	}
	m.progress.WithLabelValues(kind).Inc()
}

// LedgerFailure counts a failed history append.
func (m *Metrics) LedgerFailure(action string) {
	if m == nil {
		return
	}
	m.ledgerFailures.WithLabelValues(action).Inc()
}

// Login counts a login attempt.
func (m *Metrics) Login(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.logins.WithLabelValues(result).Inc()
}

// StreamOpened increments the live stream gauge and returns its decrement.
func (m *Metrics) StreamOpened() (closed func()) {
	if m == nil {
		return func() {}
	}
	m.liveStreams.Inc()
	return m.liveStreams.Dec
}

// Swept counts rows removed from table by the sweeper.
func (m *Metrics) Swept(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptSessions.WithLabelValues(table).Add(float64(n))
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
