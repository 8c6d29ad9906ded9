// Package metrics defines the Prometheus collectors exported by a relay node.
// Collectors are registered on a per-node registry so several nodes can run in
// one process. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels envelope counters.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds the node's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectionsActive tracks the number of Active connections
	ConnectionsActive prometheus.Gauge

	// Envelopes counts envelopes by type and direction
	Envelopes *prometheus.CounterVec

	// RateLimited counts denied admissions by limiter class
	RateLimited *prometheus.CounterVec

	// BrokerConnected is 1 while the broker bridge is healthy
	BrokerConnected prometheus.Gauge

	// FanoutDeliveries counts frames handed to local connections
	FanoutDeliveries prometheus.Counter

	// HandshakeRejections counts refused handshakes by error code
	HandshakeRejections *prometheus.CounterVec

	// HistoryDropped counts envelopes the history forwarder could not store
	HistoryDropped prometheus.Counter

	// DispatchLatency tracks the time spent routing one inbound envelope
	DispatchLatency *prometheus.HistogramVec
}

// New registers every collector on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_connections_active",
			Help: "Number of active WebSocket connections on this node",
		}),
		Envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_envelopes_total",
			Help: "Total number of envelopes by type and direction",
		}, []string{"type", "direction"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_rate_limited_total",
			Help: "Total number of rate-limited envelopes by limiter class",
		}, []string{"class"}),
		BrokerConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_broker_connected",
			Help: "Whether the broker bridge is connected (1) or degraded (0)",
		}),
		FanoutDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "gochat_fanout_deliveries_total",
			Help: "Total number of frames delivered to local connections",
		}),
		HandshakeRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_handshake_rejections_total",
			Help: "Total number of rejected WebSocket handshakes by error code",
		}, []string{"code"}),
		HistoryDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "gochat_history_dropped_total",
			Help: "Total number of envelopes not forwarded to the history store",
		}),
		DispatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gochat_dispatch_seconds",
			Help:    "Latency of routing one inbound envelope",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the node's metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectionOpened counts a newly active connection. Recorders are no-ops on
// a nil *Metrics.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

// ConnectionClosed undoes ConnectionOpened.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

// Envelope counts one envelope of typ in direction.
func (m *Metrics) Envelope(typ, direction string) {
	if m != nil {
		m.Envelopes.WithLabelValues(typ, direction).Inc()
	}
}

// Limited counts a rate-limit denial in class.
func (m *Metrics) Limited(class string) {
	if m != nil {
		m.RateLimited.WithLabelValues(class).Inc()
	}
}

// SetBrokerConnected records broker reachability as 1 or 0.
func (m *Metrics) SetBrokerConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.BrokerConnected.Set(1)
	} else {
		m.BrokerConnected.Set(0)
	}
}

// Delivered adds n local fanout deliveries.
func (m *Metrics) Delivered(n int) {
	if m != nil && n > 0 {
		m.FanoutDeliveries.Add(float64(n))
	}
}

// HandshakeRejected counts a refused handshake by error code.
func (m *Metrics) HandshakeRejected(code string) {
	if m != nil {
		m.HandshakeRejections.WithLabelValues(code).Inc()
	}
}

// HistoryDrop counts a message the history forwarder could not queue.
func (m *Metrics) HistoryDrop() {
	if m != nil {
		m.HistoryDropped.Inc()
	}
}

// ObserveDispatch records how long routing an envelope of typ took.
func (m *Metrics) ObserveDispatch(typ string, seconds float64) {
	if m != nil {
		m.DispatchLatency.WithLabelValues(typ).Observe(seconds)
	}
}
