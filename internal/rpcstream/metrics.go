package rpcstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments a Stream. A nil *Metrics is valid and records nothing.
type Metrics struct {
	pending       prometheus.Gauge
	requests      prometheus.Counter
	responses     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	retries       prometheus.Counter
}

// NewMetrics creates the stream collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inpage_provider",
			Subsystem: "rpcstream",
			Name:      "pending_requests",
			Help:      "Requests written to the channel and still awaiting a response.",
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inpage_provider",
			Subsystem: "rpcstream",
			Name:      "requests_total",
			Help:      "Requests written to the channel, counting batch items individually.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inpage_provider",
			Subsystem: "rpcstream",
			Name:      "responses_total",
			Help:      "Settled requests by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inpage_provider",
			Subsystem: "rpcstream",
			Name:      "notifications_total",
			Help:      "Notifications received from the backend by method.",
		}, []string{"method"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inpage_provider",
			Subsystem: "rpcstream",
			Name:      "retries_total",
			Help:      "Requests re-written after the backend signalled a restart.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.pending, m.requests, m.responses, m.notifications, m.retries)
	}
	return m
}

const (
	outcomeResult       = "result"
	outcomeError        = "error"
	outcomeDisconnected = "disconnected"
)

func (m *Metrics) requestSent() {
	if m == nil {
		return
	}
	m.requests.Inc()
	m.pending.Inc()
}

func (m *Metrics) settled(outcome string) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.responses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) notification(method string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(method).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
