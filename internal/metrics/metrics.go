// Package metrics exposes Prometheus collectors for call orchestration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

const (
	namespace = "warmtransfer"
	subsystem = "call"
)

// Metrics reports session transitions, operation failures and latency.
type Metrics struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
	active      prometheus.Gauge
	duration    *prometheus.HistogramVec
	gatherer    prometheus.Gatherer
}

// MustNewMetrics creates the collectors and registers them with reg. A nil
// reg uses a fresh registry. Registration errors panic.
func MustNewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transitions_total",
				Help:      "Call session state transitions.",
			},
			[]string{"from", "to"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Failed orchestration operations by error kind.",
			},
			[]string{"operation", "kind"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_sessions",
				Help:      "Sessions that have not ended.",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of orchestration operations, including provider calls.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.transitions, m.errors, m.active, m.duration)
	return m
}

// Transition counts a state change.
func (m *Metrics) Transition(from, to models.CallState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Error counts a failed operation by the kind of err.
func (m *Metrics) Error(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(operation, models.KindName(err)).Inc()
}

// ActiveSessions sets the active session gauge.
func (m *Metrics) ActiveSessions(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// ObserveDuration records how long an operation took.
func (m *Metrics) ObserveDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
