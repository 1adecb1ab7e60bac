// Package metrics defines the Prometheus collectors exported by dashproxy.
//
// All methods accept a nil *Metrics, which records nothing; engines and tests
// may run without collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dashproxy"

// Frame directions.
const (
	ToBackend = "to_backend"
	ToClient  = "to_client"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	framesRelayed   *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	backendFetches  *prometheus.CounterVec
	connectTimeouts prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open client WebSocket sessions.",
		}, []string{"mode"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Number of client WebSocket sessions accepted.",
		}, []string{"mode"}),
		framesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Number of frames relayed between clients and the backend.",
		}, []string{"direction"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Number of frames dropped because the destination was not open.",
		}, []string{"direction"}),
		backendFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_fetch_total",
			Help:      "Number of backend REST fetches by outcome.",
		}, []string{"outcome"}),
		connectTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_timeouts_total",
			Help:      "Number of backend WebSocket connects abandoned after the connect timeout.",
		}),
	}
	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.framesRelayed,
		m.framesDropped,
		m.backendFetches,
		m.connectTimeouts,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionOpened(mode string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(mode).Inc()
	m.sessionsTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) SessionClosed(mode string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(mode).Dec()
}

func (m *Metrics) FrameRelayed(direction string) {
	if m == nil {
		return
	}
	m.framesRelayed.WithLabelValues(direction).Inc()
}

func (m *Metrics) FrameDropped(direction string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(direction).Inc()
}

// BackendFetch records a fetch outcome, "ok" or a backend.Kind name.
func (m *Metrics) BackendFetch(outcome string) {
	if m == nil {
		return
	}
	m.backendFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConnectTimeout() {
	if m == nil {
		return
	}
	m.connectTimeouts.Inc()
}
