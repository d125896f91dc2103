// Package metrics provides Prometheus metrics for the p2p node.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "p2p_node"
)

// Direction label values.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics contains all Prometheus metrics for the node.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Peer metrics
	PeersConnected       prometheus.Gauge
	PeersTotal           prometheus.Counter
	PeerConnections      *prometheus.CounterVec
	PeerDisconnects      *prometheus.CounterVec
	DuplicateConnections prometheus.Counter
	CapacityEvictions    prometheus.Counter
	ReconnectAttempts    prometheus.Counter
	AcceptsThrottled     prometheus.Counter

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	Handshakes       *prometheus.CounterVec

	// Stream metrics
	StreamsActive prometheus.Gauge
	StreamsOpened *prometheus.CounterVec
	StreamsClosed prometheus.Counter
	StreamResets  *prometheus.CounterVec

	// Framing metrics
	Frames      *prometheus.CounterVec
	Bytes       *prometheus.CounterVec
	FrameErrors *prometheus.CounterVec

	// Keepalive metrics
	KeepalivesSent prometheus.Counter
	KeepalivesRecv prometheus.Counter
	KeepaliveRTT   prometheus.Histogram
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
			Help:      "Total number of peer sessions established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer sessions by transport type and direction",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),
		DuplicateConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_connections_total",
			Help:      "Total sessions closed by the duplicate-connection tie-break",
		}),
		CapacityEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_evictions_total",
			Help:      "Total sessions evicted or refused because the peer table was full",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnection attempts",
		}),
		AcceptsThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_throttled_total",
			Help:      "Total inbound connections dropped by the accept rate limiter",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of successful handshake latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total handshakes by outcome",
		}, []string{"outcome"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streams",
		}),
		StreamsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total streams opened by direction",
		}, []string{"direction"}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total streams closed",
		}),
		StreamResets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_resets_total",
			Help:      "Total stream resets by direction",
		}, []string{"direction"}),

		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames by direction and frame type",
		}, []string{"direction", "frame_type"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total frame payload bytes by direction",
		}, []string{"direction"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Total sessions torn down by framing violations",
		}, []string{"reason"}),

		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalive pings sent",
		}),
		KeepalivesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Total keepalive pongs received",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Histogram of keepalive round-trip time",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

// RecordPeerConnect records a new peer session.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	if m == nil {
		return
	}
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records the end of a peer session.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	if m == nil {
		return
	}
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordDuplicate records a session lost to the tie-break.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateConnections.Inc()
}

// RecordEviction records a capacity eviction or refusal.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.CapacityEvictions.Inc()
}

// RecordReconnectAttempt records a reconnection attempt.
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordAcceptThrottled records an inbound connection dropped by the limiter.
func (m *Metrics) RecordAcceptThrottled() {
	if m == nil {
		return
	}
	m.AcceptsThrottled.Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
	m.Handshakes.WithLabelValues("success").Inc()
}

// RecordHandshakeError records a failed handshake by reason.
func (m *Metrics) RecordHandshakeError(reason string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(reason).Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(direction string) {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
	m.StreamsOpened.WithLabelValues(direction).Inc()
}

// RecordStreamClose records a stream leaving the session.
func (m *Metrics) RecordStreamClose() {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamReset records a stream reset sent or received.
func (m *Metrics) RecordStreamReset(direction string) {
	if m == nil {
		return
	}
	m.StreamResets.WithLabelValues(direction).Inc()
}

// RecordFrame records a frame crossing the wire.
func (m *Metrics) RecordFrame(direction, frameType string, payloadBytes int) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(direction, frameType).Inc()
	if payloadBytes > 0 {
		m.Bytes.WithLabelValues(direction).Add(float64(payloadBytes))
	}
}

// RecordFrameError records a session torn down by a framing violation.
func (m *Metrics) RecordFrameError(reason string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(reason).Inc()
}

// RecordKeepaliveSent records a keepalive sent.
func (m *Metrics) RecordKeepaliveSent() {
	if m == nil {
		return
	}
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRecv records a keepalive answered with RTT.
func (m *Metrics) RecordKeepaliveRecv(rttSeconds float64) {
	if m == nil {
		return
	}
	m.KeepalivesRecv.Inc()
	m.KeepaliveRTT.Observe(rttSeconds)
}
