package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. It also
// serves as the telemetry sink of every live session.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	RejectedEvents *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec

	stages *stageWindow
}

// NewMetrics registers instruments with the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open live sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Applied session state transitions.",
		}, []string{"event", "from", "to"}),
		RejectedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_events_total",
			Help:      "Events ignored because the session state did not accept them.",
		}, []string{"event", "state"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Conversation turn stage latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000, 20000},
		}, []string{"stage"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveTransition(event, from, to string) {
	m.Transitions.WithLabelValues(event, from, to).Inc()
	switch {
	case event == "interrupt":
		m.stages.ObserveIndicator("interrupted")
	case to == "error":
		m.stages.ObserveIndicator("error:" + event)
	}
}

func (m *Metrics) ObserveRejected(event, state string) {
	m.RejectedEvents.WithLabelValues(event, state).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

// StageSnapshot summarizes recent turn stage latencies.
func (m *Metrics) StageSnapshot() StageSnapshot { return m.stages.Snapshot() }

// ResetStages clears the rolling latency window.
func (m *Metrics) ResetStages() { m.stages.Reset() }

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves metrics gathered from g.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
