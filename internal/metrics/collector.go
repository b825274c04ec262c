// Package metrics exposes Prometheus instrumentation for the client
// and server dispatchers, in the style of gobfd's bfdmetrics.Collector:
// a struct of pre-registered vectors plus thin Inc/Dec/Observe helpers
// the dispatch loops call directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "stupid_tunnel"
	subsystem = "relay"
)

const (
	labelProto = "proto" // "tcp" or "udp"
)

// Collector holds all tunnel Prometheus metrics.
type Collector struct {
	// TCPConnections tracks currently active client-side TCP responder
	// connections.
	TCPConnections prometheus.Gauge

	// UDPSockets tracks currently active server-side UDP sockets.
	UDPSockets prometheus.Gauge

	// PacketsRelayed counts packets forwarded across the relay channel,
	// labeled by proto.
	PacketsRelayed *prometheus.CounterVec

	// BytesRelayed counts payload bytes forwarded across the relay
	// channel, labeled by proto.
	BytesRelayed *prometheus.CounterVec

	// TCPConnectsRejected counts inbound TUN segments for an unknown
	// 4-tuple that weren't a SYN and were answered with a bare RST.
	TCPConnectsRejected prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	reg.MustRegister(
		c.TCPConnections,
		c.UDPSockets,
		c.PacketsRelayed,
		c.BytesRelayed,
		c.TCPConnectsRejected,
	)
	return c
}

func newMetrics() *Collector {
	protoLabels := []string{labelProto}

	return &Collector{
		TCPConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tcp_connections",
			Help:      "Number of currently active client-side TCP responder connections.",
		}),
		UDPSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "udp_sockets",
			Help:      "Number of currently active server-side UDP sockets.",
		}),
		PacketsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_relayed_total",
			Help:      "Total packets forwarded across the relay channel.",
		}, protoLabels),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes forwarded across the relay channel.",
		}, protoLabels),
		TCPConnectsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tcp_connects_rejected_total",
			Help:      "Total inbound segments for an unknown connection answered with a bare RST.",
		}),
	}
}

// RegisterTCPConnection increments the active TCP connection gauge.
func (c *Collector) RegisterTCPConnection() { c.TCPConnections.Inc() }

// UnregisterTCPConnection decrements the active TCP connection gauge.
func (c *Collector) UnregisterTCPConnection() { c.TCPConnections.Dec() }

// RegisterUDPSocket increments the active UDP socket gauge.
func (c *Collector) RegisterUDPSocket() { c.UDPSockets.Inc() }

// UnregisterUDPSocket decrements the active UDP socket gauge.
func (c *Collector) UnregisterUDPSocket() { c.UDPSockets.Dec() }

// ObserveRelayed records one relayed packet of proto carrying n payload
// bytes.
func (c *Collector) ObserveRelayed(proto string, n int) {
	c.PacketsRelayed.WithLabelValues(proto).Inc()
	c.BytesRelayed.WithLabelValues(proto).Add(float64(n))
}

// IncTCPConnectsRejected increments the bare-RST counter.
func (c *Collector) IncTCPConnectsRejected() { c.TCPConnectsRejected.Inc() }
