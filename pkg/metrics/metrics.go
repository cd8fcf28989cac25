package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "portal"

// Metrics records client-side API and authentication counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	auth     *prometheus.CounterVec
	sessions *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Requests issued to the remote API by method and status code.",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Latency of requests issued to the remote API.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Login and registration attempts by outcome.",
		}, []string{"mode", "outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.requests, m.latency, m.auth, m.sessions)
	return m
}

// ObserveRequest records one completed API request. status 0 marks a transport failure.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(method, code).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveAuth records the outcome of a login or registration attempt.
func (m *Metrics) ObserveAuth(mode, outcome string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(mode, outcome).Inc()
}

// ObserveTransition records a session moving to the anonymous or authenticated state.
func (m *Metrics) ObserveTransition(authenticated bool) {
	if m == nil {
		return
	}
	state := "anonymous"
	if authenticated {
		state = "authenticated"
	}
	m.sessions.WithLabelValues(state).Inc()
}

// WriteFile dumps the current values in the Prometheus text format, for node_exporter's textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
