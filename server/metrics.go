package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the relay's operational gauges and counters.
type Metrics struct {
	registry *prometheus.Registry

	sessions     prometheus.Gauge
	presences    prometheus.Gauge
	messagesIn   *prometheus.CounterVec
	messagesOut  prometheus.Counter
	callsStarted prometheus.Counter
	callsEnded   *prometheus.CounterVec
	processing   *prometheus.HistogramVec
}

func NewMetrics(nodeName string) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"node": nodeName}

	m := &Metrics{
		registry: registry,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_open", Help: "Open client sessions.", ConstLabels: labels,
		}),
		presences: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_users_online", Help: "Users with at least one open session.", ConstLabels: labels,
		}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total", Help: "Inbound events by op.", ConstLabels: labels,
		}, []string{"op"}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_routed_total", Help: "Outbound events delivered to sessions.", ConstLabels: labels,
		}),
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_calls_started_total", Help: "Calls started.", ConstLabels: labels,
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_calls_terminated_total", Help: "Calls terminated by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "relay_event_processing_seconds",
			Help:        "Inbound event processing time by op.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
	}

	registry.MustRegister(m.sessions, m.presences, m.messagesIn, m.messagesOut,
		m.callsStarted, m.callsEnded, m.processing)
	return m
}

func (m *Metrics) GaugeSessions(count float64)  { m.sessions.Set(count) }
func (m *Metrics) GaugePresences(count float64) { m.presences.Set(count) }

func (m *Metrics) CountMessageReceived(op string) { m.messagesIn.WithLabelValues(op).Inc() }
func (m *Metrics) CountMessageRouted(n int)       { m.messagesOut.Add(float64(n)) }

func (m *Metrics) CountCallStarted() { m.callsStarted.Inc() }

func (m *Metrics) CountCallTerminated(outcome string) { m.callsEnded.WithLabelValues(outcome).Inc() }

func (m *Metrics) ObserveProcessing(op string, elapsed time.Duration) {
	m.processing.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Handler exposes the metrics registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
