// Package metrics exposes poll and health metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jpalmerr/nodewatch/poll"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	PollsTotal    *prometheus.CounterVec
	PollDuration  *prometheus.HistogramVec
	FetchFailures *prometheus.CounterVec
	NodeSeverity  *prometheus.GaugeVec
	ItemAge       *prometheus.GaugeVec
	Nodes         prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodewatch_polls_total",
				Help: "Total number of node polls",
			},
			[]string{"node", "type", "result"},
		),

		PollDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nodewatch_poll_duration_seconds",
				Help:    "Duration of node polls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		FetchFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodewatch_fetch_failures_total",
				Help: "Total number of failed cache item fetches",
			},
			[]string{"node", "item"},
		),

		NodeSeverity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nodewatch_node_severity",
				Help: "Current node health: 0 ok, 1 warning, 2 critical, 3 unknown",
			},
			[]string{"node", "type"},
		),

		ItemAge: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nodewatch_item_age_seconds",
				Help: "Age of the last successful fetch per cache item",
			},
			[]string{"node", "item"},
		),

		Nodes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "nodewatch_nodes",
				Help: "Number of monitored nodes",
			},
		),
	}
}

// RecordPoll records one completed poll of a node.
func (m *Metrics) RecordPoll(node, nodeType string, failed bool, d time.Duration) {
	result := "success"
	if failed {
		result = "failure"
	}
	m.PollsTotal.WithLabelValues(node, nodeType, result).Inc()
	m.PollDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// RecordItems updates per-item age gauges and counts items whose latest
// fetch failed at or after since.
func (m *Metrics) RecordItems(node string, items []poll.ItemStatus, since, now time.Time) {
	for _, it := range items {
		if it.HasData {
			m.ItemAge.WithLabelValues(node, it.Description).Set(it.Age(now).Seconds())
		}
		if it.Failing() && !it.LastErrorAt.Before(since) {
			m.FetchFailures.WithLabelValues(node, it.Description).Inc()
		}
	}
}

// SetSeverity publishes a node's aggregated health.
func (m *Metrics) SetSeverity(node, nodeType string, s poll.Severity) {
	m.NodeSeverity.WithLabelValues(node, nodeType).Set(float64(s))
}

// SetNodes publishes the node count.
func (m *Metrics) SetNodes(n int) {
	m.Nodes.Set(float64(n))
}

// Forget deletes every series of a removed node.
func (m *Metrics) Forget(node string) {
	labels := prometheus.Labels{"node": node}
	m.PollsTotal.DeletePartialMatch(labels)
	m.FetchFailures.DeletePartialMatch(labels)
	m.NodeSeverity.DeletePartialMatch(labels)
	m.ItemAge.DeletePartialMatch(labels)
}
