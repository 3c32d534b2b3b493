package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the hub's Prometheus collectors. Each instance owns its
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	Invocations       *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	AlertTransitions  *prometheus.CounterVec
	MessagesCreated   *prometheus.CounterVec
	BacklogSize       prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "rise_hub_active_connections",
			Help: "Current number of open hub connections",
		}),
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rise_hub_invocations_total",
			Help: "Hub method invocations by method and result code",
		}, []string{"method", "code"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rise_hub_broadcasts_total",
			Help: "Events broadcast to groups",
		}, []string{"event"}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rise_alert_transitions_total",
			Help: "Emergency alert state changes by outcome",
		}, []string{"outcome"}),
		MessagesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rise_messages_created_total",
			Help: "Messages accepted by the API by disposition",
		}, []string{"disposition"}),
		BacklogSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "rise_message_backlog",
			Help: "Messages stored for delivery once the message store recovers",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) invocation(method, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.Invocations.WithLabelValues(method, code).Inc()
}

func (m *Metrics) broadcast(event string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(event).Inc()
}

func (m *Metrics) alert(outcome string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) messageCreated(disposition string) {
	if m == nil {
		return
	}
	m.MessagesCreated.WithLabelValues(disposition).Inc()
}

func (m *Metrics) backlog(n int) {
	if m == nil {
		return
	}
	m.BacklogSize.Set(float64(n))
}
