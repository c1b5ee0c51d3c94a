// Package metrics provides Prometheus metrics for the peer manager core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "meshcore"
)

// Metrics contains the Prometheus metrics of the peer manager core. The
// core records the peer, frame and route-count metrics; the route
// advertisement, flood latency, handshake and keepalive metrics are
// defined here but not recorded by the core. Callers layering SOCKS5,
// exit handling, or other products on top register their own.
type Metrics struct {
	// Connection metrics
	PeersConnected  prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec

	// Data transfer metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	// Routing metrics
	RoutesTotal       prometheus.Gauge
	RouteAdvertises   prometheus.Counter
	RouteWithdrawals  prometheus.Counter
	RouteFloodLatency prometheus.Histogram

	// Protocol metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	KeepalivesSent   prometheus.Counter
	KeepalivesRecv   prometheus.Counter
	KeepaliveRTT     prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by transport type and direction",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by packet type",
		}, []string{"packet_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by packet type",
		}, []string{"packet_type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped by reason",
		}, []string{"reason"}),

		RoutesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total number of entries in the next-hop routing table",
		}),
		RouteAdvertises: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_advertises_total",
			Help:      "Total route advertisements processed",
		}),
		RouteWithdrawals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_withdrawals_total",
			Help:      "Total route withdrawals processed",
		}),
		RouteFloodLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_flood_latency_seconds",
			Help:      "Histogram of route flood propagation latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of peer handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalive messages sent",
		}),
		KeepalivesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Total keepalive messages received",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Histogram of keepalive round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

// RecordPeerConnect records a new peer connection.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(packetType string) {
	m.FramesSent.WithLabelValues(packetType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(packetType string) {
	m.FramesReceived.WithLabelValues(packetType).Inc()
}

// RecordFrameDropped records a frame dropped on the receive or forward path.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// SetRoutesTotal sets the total number of routes.
func (m *Metrics) SetRoutesTotal(count int) {
	m.RoutesTotal.Set(float64(count))
}

// RecordRouteAdvertise records a route advertisement.
func (m *Metrics) RecordRouteAdvertise() {
	m.RouteAdvertises.Inc()
}

// RecordRouteWithdrawal records a route withdrawal.
func (m *Metrics) RecordRouteWithdrawal() {
	m.RouteWithdrawals.Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordKeepaliveSent records a keepalive sent.
func (m *Metrics) RecordKeepaliveSent() {
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRecv records a keepalive received with RTT.
func (m *Metrics) RecordKeepaliveRecv(rttSeconds float64) {
	m.KeepalivesRecv.Inc()
	m.KeepaliveRTT.Observe(rttSeconds)
}
