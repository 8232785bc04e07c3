// Package metrics provides Prometheus metrics for the collaboration server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec
	TreeMutations     *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connections_active",
			Help: "Number of open realtime connections.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_rooms_active",
			Help: "Number of resident project rooms.",
		}),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_messages_total",
				Help: "Chat messages routed, by sender kind.",
			},
			[]string{"kind"},
		),
		TreeMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_tree_mutations_total",
				Help: "File tree mutations applied, by source.",
			},
			[]string{"source"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_runs_total",
				Help: "Project runs by result.",
			},
			[]string{"result"},
		),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collab_run_duration_seconds",
			Help:    "Time from run request to ready or failure.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.RoomsActive,
		m.MessagesTotal,
		m.TreeMutations,
		m.RunsTotal,
		m.RunDuration,
		m.ErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnOpened and ConnClosed track open connections.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// SetRooms sets the resident room count.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.RoomsActive.Set(float64(n))
}

// RecordMessage counts a routed message; kind is "human" or "agent".
func (m *Metrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

// RecordTreeMutation counts an applied tree change.
func (m *Metrics) RecordTreeMutation(source string) {
	if m == nil {
		return
	}
	m.TreeMutations.WithLabelValues(source).Inc()
}

// RecordRun counts a finished run attempt and its duration.
func (m *Metrics) RecordRun(result string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
