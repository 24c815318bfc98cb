// Package metrics exposes the gateway's operational state as a prometheus
// collector: sensor liveness counts from the registry, duty-cycle airtime and
// TX queue depth from the data-link, and per-connection retransmission
// pressure from the transport endpoints. Sensors never import this package;
// a battery-powered node has no scrape endpoint to serve.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lora-net/lnet/link"
	"github.com/lora-net/lnet/transport"
)

type connInfo struct {
	description *prometheus.Desc
	supplier    func(st transport.EndpointStats, labelValues []string) prometheus.Metric
}

// GatewayCollector implements prometheus.Collector over the live gateway
// stack. Connection label values are provided when a connection is added;
// the label names are fixed at construction.
type GatewayCollector struct {
	mu    sync.Mutex
	conns map[*transport.Endpoint][]string

	dl  *link.DataLink
	reg *link.Registry
	now func() time.Time

	sensorsActive   *prometheus.Desc
	sensorsInactive *prometheus.Desc
	dutyCycleUsed   *prometheus.Desc
	txQueueDepth    *prometheus.Desc
	infos           []connInfo
}

// NewGatewayCollector builds a collector over dl and reg. connectionLabels
// are the label names attached to every per-connection metric; their values
// are supplied per connection in Add. constLabels are stamped on every
// metric the collector emits. now is the clock used to classify sensors as
// active or inactive; nil means time.Now.
func NewGatewayCollector(
	prefix string,
	dl *link.DataLink,
	reg *link.Registry,
	connectionLabels []string,
	constLabels prometheus.Labels,
	now func() time.Time,
) *GatewayCollector {
	if now == nil {
		now = time.Now
	}
	c := GatewayCollector{
		conns: make(map[*transport.Endpoint][]string),
		dl:    dl,
		reg:   reg,
		now:   now,
	}
	c.addMetrics(prefix, connectionLabels, constLabels)
	return &c
}

func (c *GatewayCollector) addMetrics(prefix string, connectionLabels []string, constLabels prometheus.Labels) {
	c.sensorsActive = prometheus.NewDesc(
		prefix+"_sensors_active",
		"Number of sensors heard from within the active timeout.",
		nil, constLabels,
	)
	c.sensorsInactive = prometheus.NewDesc(
		prefix+"_sensors_inactive",
		"Number of known sensors that have gone quiet.",
		nil, constLabels,
	)
	c.dutyCycleUsed = prometheus.NewDesc(
		prefix+"_duty_cycle_used_milliseconds",
		"Airtime transmitted within the current duty-cycle window.",
		nil, constLabels,
	)
	c.txQueueDepth = prometheus.NewDesc(
		prefix+"_tx_queue_depth",
		"Frames waiting in the data-link transmit queue.",
		nil, constLabels,
	)
	rtxDesc := prometheus.NewDesc(
		prefix+"_conn_retransmission_queued",
		"Sent-but-unacknowledged segments on the connection's retransmission queue.",
		connectionLabels, constLabels,
	)
	stateDesc := prometheus.NewDesc(
		prefix+"_conn_state",
		"Connection state as its numeric state-machine value.",
		connectionLabels, constLabels,
	)
	c.infos = []connInfo{
		{
			description: rtxDesc,
			supplier: func(st transport.EndpointStats, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(rtxDesc, prometheus.GaugeValue, float64(st.RetransmissionQueued), labelValues...)
			},
		},
		{
			description: stateDesc,
			supplier: func(st transport.EndpointStats, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, float64(st.State), labelValues...)
			},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *GatewayCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.sensorsActive
	descs <- c.sensorsInactive
	descs <- c.dutyCycleUsed
	descs <- c.txQueueDepth
	for _, info := range c.infos {
		descs <- info.description
	}
}

// Collect implements prometheus.Collector.
func (c *GatewayCollector) Collect(metrics chan<- prometheus.Metric) {
	active, inactive := c.reg.ActiveInactiveCounts(c.now())
	metrics <- prometheus.MustNewConstMetric(c.sensorsActive, prometheus.GaugeValue, float64(active))
	metrics <- prometheus.MustNewConstMetric(c.sensorsInactive, prometheus.GaugeValue, float64(inactive))
	metrics <- prometheus.MustNewConstMetric(c.dutyCycleUsed, prometheus.GaugeValue, float64(c.dl.DutyCycleUsedMs()))
	metrics <- prometheus.MustNewConstMetric(c.txQueueDepth, prometheus.GaugeValue, float64(c.dl.TXQueueDepth()))

	c.mu.Lock()
	defer c.mu.Unlock()
	for ep, labelValues := range c.conns {
		st := ep.Stats()
		for _, info := range c.infos {
			metrics <- info.supplier(st, labelValues)
		}
	}
}

// Add registers a connection for per-connection metrics. labels must match
// the connectionLabels the collector was built with, in order.
func (c *GatewayCollector) Add(ep *transport.Endpoint, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[ep] = labels
}

// Remove stops collecting metrics for a connection, typically once its TCB
// has been deleted.
func (c *GatewayCollector) Remove(ep *transport.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, ep)
}
