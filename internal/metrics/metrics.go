// Package metrics holds the Prometheus collectors of a poros-packet session.
//
// The helper serves no HTTP endpoint; the registry is written once at exit
// in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics defines the metric collectors of a session
type Metrics struct {
	registry *prometheus.Registry

	probesSent     *prometheus.CounterVec
	replies        *prometheus.CounterVec
	timeouts       prometheus.Counter
	sendErrors     *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	unmatched      prometheus.Counter
	outstanding    prometheus.Gauge
	rtt            prometheus.Histogram
}

// New initializes the collectors and registers them in a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poros_packet_probes_sent_total",
				Help: "Number of probes transmitted.",
			},
			[]string{"protocol"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poros_packet_replies_total",
				Help: "Number of probes resolved by a reply, by reply kind.",
			},
			[]string{"kind"},
		),
		timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poros_packet_timeouts_total",
				Help: "Number of probes that expired without a reply.",
			},
		),
		sendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poros_packet_send_errors_total",
				Help: "Number of probes that could not be sent, by reason.",
			},
			[]string{"reason"},
		),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poros_packet_protocol_errors_total",
				Help: "Number of rejected command lines, by reason.",
			},
			[]string{"reason"},
		),
		unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poros_packet_unmatched_replies_total",
				Help: "Number of reply packets that matched no outstanding probe.",
			},
		),
		outstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "poros_packet_outstanding_probes",
				Help: "Number of probes awaiting a reply or timeout.",
			},
		),
		rtt: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poros_packet_rtt_seconds",
				Help:    "Round-trip time of answered probes in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
	}

	m.registry.MustRegister(m.GetCollectors()...)
	return m
}

// GetCollectors returns all metric collectors
func (m *Metrics) GetCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.probesSent,
		m.replies,
		m.timeouts,
		m.sendErrors,
		m.protocolErrors,
		m.unmatched,
		m.outstanding,
		m.rtt,
	}
}

// GetRegistry returns the registry holding the session collectors
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ProbeSent(protocol string) {
	m.probesSent.WithLabelValues(protocol).Inc()
}

// Reply records a probe resolved by a reply of the given kind
func (m *Metrics) Reply(kind string, rtt time.Duration) {
	m.replies.WithLabelValues(kind).Inc()
	m.rtt.Observe(rtt.Seconds())
}

func (m *Metrics) Timeout() {
	m.timeouts.Inc()
}

func (m *Metrics) SendError(reason string) {
	m.sendErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProtocolError(reason string) {
	m.protocolErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) Unmatched() {
	m.unmatched.Inc()
}

// SetOutstanding updates the outstanding probe gauge
func (m *Metrics) SetOutstanding(n int) {
	m.outstanding.Set(float64(n))
}

// WriteTextfile writes the registry to path in the text exposition format.
// The file is written atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
