package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the counters of one node. Each node owns its registry so
// several nodes can live in one process (tests do this).
type Metrics struct {
	registry *prometheus.Registry

	BeaconsSent     prometheus.Counter
	SendErrors      prometheus.Counter
	EncodeErrors    prometheus.Counter
	BeaconsReceived prometheus.Counter
	ReceiveErrors   prometheus.Counter
	DecodeErrors    prometheus.Counter
	SelfFiltered    prometheus.Counter
	SinkErrors      prometheus.Counter
}

func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node": nodeID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "v2x",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		BeaconsSent:     counter("beacons_sent_total", "Beacons handed to the network."),
		SendErrors:      counter("send_errors_total", "Beacons the channel failed to send."),
		EncodeErrors:    counter("encode_errors_total", "Beacons that could not be encoded."),
		BeaconsReceived: counter("beacons_received_total", "Beacons from other nodes passed to the sink."),
		ReceiveErrors:   counter("receive_errors_total", "Transient receive failures."),
		DecodeErrors:    counter("decode_errors_total", "Datagrams that were not valid beacons."),
		SelfFiltered:    counter("self_filtered_total", "Own beacons received back from the group."),
		SinkErrors:      counter("sink_errors_total", "Sink failures caught at the dispatch boundary."),
	}
	m.registry.MustRegister(
		m.BeaconsSent, m.SendErrors, m.EncodeErrors,
		m.BeaconsReceived, m.ReceiveErrors, m.DecodeErrors, m.SelfFiltered, m.SinkErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// RegisterPeers exposes the current peer count as a gauge.
func (m *Metrics) RegisterPeers(nodeID string, count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "v2x",
		Name:        "peers",
		Help:        "Senders currently in the peer table.",
		ConstLabels: prometheus.Labels{"node": nodeID},
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
