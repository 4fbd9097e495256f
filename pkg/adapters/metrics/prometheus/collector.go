package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	graphsSubmitted *prometheus.CounterVec
	graphsCompleted *prometheus.CounterVec
	graphDuration   prometheus.Histogram

	nodesExecuted *prometheus.CounterVec
	nodeDuration  prometheus.Histogram

	modificationWaits   *prometheus.CounterVec
	modificationWaitSec prometheus.Histogram
	pendingMods         prometheus.Gauge

	activeGraphs       prometheus.Gauge
	devicesReachable   prometheus.Gauge
	devicesUnreachable prometheus.Gauge
}

// NewCollector creates a Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		graphsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_graphs_submitted_total",
				Help: "Total number of graphs submitted",
			},
			[]string{"status"},
		),
		graphsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_graphs_completed_total",
				Help: "Total number of graphs completed",
			},
			[]string{"status"},
		),
		graphDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskmesh_graph_duration_seconds",
				Help:    "Graph execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		nodesExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_nodes_executed_total",
				Help: "Total number of nodes executed",
			},
			[]string{"status"},
		),
		nodeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskmesh_node_execution_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		modificationWaits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_modification_waits_total",
				Help: "Total number of waits on pending graph modifications",
			},
			[]string{"outcome"},
		),
		modificationWaitSec: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskmesh_modification_wait_seconds",
				Help:    "Time spent waiting for planner edits to resolve",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 600},
			},
		),
		pendingMods: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskmesh_pending_modifications",
				Help: "Number of unresolved modification markers",
			},
		),
		activeGraphs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskmesh_active_graphs",
				Help: "Number of graphs currently orchestrating",
			},
		),
		devicesReachable: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskmesh_devices_reachable",
				Help: "Number of devices answering liveness checks",
			},
		),
		devicesUnreachable: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskmesh_devices_unreachable",
				Help: "Number of devices failing liveness checks",
			},
		),
	}
}

// RecordGraphSubmitted records a graph submission.
func (c *Collector) RecordGraphSubmitted(status string) {
	c.graphsSubmitted.WithLabelValues(status).Inc()
}

// RecordGraphCompleted records a finished graph run.
func (c *Collector) RecordGraphCompleted(status string, duration time.Duration) {
	c.graphsCompleted.WithLabelValues(status).Inc()
	c.graphDuration.Observe(duration.Seconds())
}

// RecordNodeExecuted records one node execution.
func (c *Collector) RecordNodeExecuted(status string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(status).Inc()
	c.nodeDuration.Observe(duration.Seconds())
}

// RecordModificationWait records one wait on the synchronizer barrier.
func (c *Collector) RecordModificationWait(timedOut bool, duration time.Duration) {
	outcome := "resolved"
	if timedOut {
		outcome = "timeout"
	}
	c.modificationWaits.WithLabelValues(outcome).Inc()
	c.modificationWaitSec.Observe(duration.Seconds())
}

// SetPendingModifications sets the unresolved marker count.
func (c *Collector) SetPendingModifications(count int) {
	c.pendingMods.Set(float64(count))
}

// SetActiveGraphs sets the number of graphs currently orchestrating.
func (c *Collector) SetActiveGraphs(count int) {
	c.activeGraphs.Set(float64(count))
}

// RecordDeviceStatus records the device liveness split.
func (c *Collector) RecordDeviceStatus(reachable, unreachable int) {
	c.devicesReachable.Set(float64(reachable))
	c.devicesUnreachable.Set(float64(unreachable))
}
