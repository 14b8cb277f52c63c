package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_sync"

// Metrics owns a registry so that several relays can live in one process.
type Metrics struct {
	registry     *prometheus.Registry
	inputs       *prometheus.CounterVec
	operations   *prometheus.CounterVec
	participants *prometheus.GaugeVec
	checkpoints  *prometheus.CounterVec
	rtt          prometheus.Gauge
	jitter       prometheus.Gauge
	horizon      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authority",
			Name:      "inputs_applied",
		}, []string{"session"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authority",
			Name:      "operations",
		}, []string{"session", "result"}),
		participants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "authority",
			Name:      "participants",
		}, []string{"session"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "saves",
		}, []string{"result"}),
		rtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "rtt_seconds",
		}),
		jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "jitter_seconds",
		}),
		horizon: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "horizon_seconds",
		}),
	}
	m.registry.MustRegister(m.inputs, m.operations, m.participants, m.checkpoints, m.rtt, m.jitter, m.horizon)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Session returns the recorder for one session's authority.
func (m *Metrics) Session(session string) *SessionRecorder {
	return &SessionRecorder{m: m, session: session}
}

func (m *Metrics) RecordCheckpoint(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

// ObserveLatency publishes a participant's smoothed round-trip estimates.
func (m *Metrics) ObserveLatency(rtt, jitter, horizon time.Duration) {
	m.rtt.Set(rtt.Seconds())
	m.jitter.Set(jitter.Seconds())
	m.horizon.Set(horizon.Seconds())
}

type SessionRecorder struct {
	m       *Metrics
	session string
}

func (r *SessionRecorder) RecordInput() {
	r.m.inputs.WithLabelValues(r.session).Inc()
}

func (r *SessionRecorder) RecordOperation(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	r.m.operations.WithLabelValues(r.session, result).Inc()
}

func (r *SessionRecorder) SetParticipants(n int) {
	r.m.participants.WithLabelValues(r.session).Set(float64(n))
}
