// Package gwmetrics exposes Prometheus metrics for the gateway client's
// bind handshakes.
package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gotsgw/internal/rpce"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gotsgw"
	subsystem = "rpc"
)

// Label names for handshake metrics.
const (
	labelGateway = "gateway"
	labelPType   = "ptype"
	labelOutcome = "outcome"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Handshake Metrics
// -------------------------------------------------------------------------

// Collector holds all gateway RPC Prometheus metrics.
//
// Metrics are scoped per gateway host so multiple concurrent sessions
// against different gateways remain distinguishable:
//   - PDU counters track the bind-family traffic volumes.
//   - Handshake counters record terminal outcomes for alerting.
//   - Fragment gauges expose the negotiated limits.
type Collector struct {
	// PdusSent counts bind-family PDUs handed to the IN channel.
	PdusSent *prometheus.CounterVec

	// PdusReceived counts PDUs reassembled from the OUT channel.
	PdusReceived *prometheus.CounterVec

	// BytesSent counts PDU bytes handed to the IN channel.
	BytesSent *prometheus.CounterVec

	// Handshakes counts completed handshakes by terminal outcome
	// ("established", "cancelled", "timeout", "error").
	Handshakes *prometheus.CounterVec

	// MaxXmitFrag exposes the negotiated transmit fragment limit.
	MaxXmitFrag *prometheus.GaugeVec

	// MaxRecvFrag exposes the negotiated receive fragment limit.
	MaxRecvFrag *prometheus.GaugeVec
}

// NewCollector creates a Collector with all handshake metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gotsgw_rpc_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PdusSent,
		c.PdusReceived,
		c.BytesSent,
		c.Handshakes,
		c.MaxXmitFrag,
		c.MaxRecvFrag,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	pduLabels := []string{labelGateway, labelPType}
	gatewayLabels := []string{labelGateway}

	return &Collector{
		PdusSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pdus_sent_total",
			Help:      "Total bind-family PDUs transmitted on the IN channel.",
		}, pduLabels),

		PdusReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pdus_received_total",
			Help:      "Total PDUs reassembled from the OUT channel.",
		}, pduLabels),

		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Total PDU bytes transmitted on the IN channel.",
		}, gatewayLabels),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_total",
			Help:      "Total bind handshakes by terminal outcome.",
		}, []string{labelGateway, labelOutcome}),

		MaxXmitFrag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "max_xmit_frag_bytes",
			Help:      "Negotiated transmit fragment limit.",
		}, gatewayLabels),

		MaxRecvFrag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "max_recv_frag_bytes",
			Help:      "Negotiated receive fragment limit.",
		}, gatewayLabels),
	}
}

// -------------------------------------------------------------------------
// Engine Reporter
// -------------------------------------------------------------------------

// Reporter adapts the Collector to the engine's MetricsReporter for one
// gateway host.
type Reporter struct {
	c       *Collector
	gateway string
}

// ReporterFor returns a per-gateway reporter implementing
// rpce.MetricsReporter.
func (c *Collector) ReporterFor(gateway string) *Reporter {
	return &Reporter{c: c, gateway: gateway}
}

// PduSent increments the sent PDU and byte counters.
func (r *Reporter) PduSent(ptype rpce.PType, bytes int) {
	r.c.PdusSent.WithLabelValues(r.gateway, ptype.String()).Inc()
	r.c.BytesSent.WithLabelValues(r.gateway).Add(float64(bytes))
}

// PduReceived increments the received PDU counter.
func (r *Reporter) PduReceived(ptype rpce.PType, _ int) {
	r.c.PdusReceived.WithLabelValues(r.gateway, ptype.String()).Inc()
}

// HandshakeDone records the terminal outcome of a handshake.
func (r *Reporter) HandshakeDone(outcome string) {
	r.c.Handshakes.WithLabelValues(r.gateway, outcome).Inc()
}

// FragSizesNegotiated publishes the post-bind_ack fragment limits.
func (r *Reporter) FragSizesNegotiated(xmit, recv uint16) {
	r.c.MaxXmitFrag.WithLabelValues(r.gateway).Set(float64(xmit))
	r.c.MaxRecvFrag.WithLabelValues(r.gateway).Set(float64(recv))
}
