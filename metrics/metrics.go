// Package metrics exposes the snapshot/restore core's operational
// counters as a Prometheus collector.
//
// Grounded on talyz-systemd_exporter/systemd/systemd.go's Collector
// shape (prometheus.Desc fields built in NewCollector, MustNewConstMetric
// emitted from Collect), the one repo in the pack that wires
// github.com/prometheus/client_golang end to end.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coco-serverless/svsm/storage"
)

const namespace = "svsm_snapshot"

// ArenaStats is the subset of arena.Arena's counters this collector
// reads. It is satisfied by *arena.Arena without metrics importing the
// (Linux-only, build-tagged) arena package directly.
type ArenaStats interface {
	GuardsCreated() int64
	GuardsReleased() int64
	RMPCalls() int64
}

// Collector reports record counts from a snapshot.Controller's
// store plus mapping-guard and RMP call counts from its backing arena.
type Collector struct {
	arena ArenaStats
	store *storage.Store

	nonZeroRecords *prometheus.Desc
	zeroRecords    *prometheus.Desc
	guardsCreated  *prometheus.Desc
	guardsReleased *prometheus.Desc
	rmpCalls       *prometheus.Desc
}

// NewCollector returns a Collector reading live counters off arena and
// store; both may be read concurrently with an in-progress operation.
func NewCollector(arena ArenaStats, store *storage.Store) *Collector {
	return &Collector{
		arena: arena,
		store: store,
		nonZeroRecords: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "non_zero_records"),
			"Number of non-zero 4 KiB frames captured in the current snapshot.", nil, nil,
		),
		zeroRecords: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "zero_records"),
			"Number of all-zero 4 KiB frames captured in the current snapshot.", nil, nil,
		),
		guardsCreated: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "mapping_guards_created_total"),
			"Total number of per-CPU mapping guards created.", nil, nil,
		),
		guardsReleased: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "mapping_guards_released_total"),
			"Total number of per-CPU mapping guards released.", nil, nil,
		),
		rmpCalls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rmp_set_read_only_total"),
			"Total number of successful RMP set-read-only calls.", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nonZeroRecords
	ch <- c.zeroRecords
	ch <- c.guardsCreated
	ch <- c.guardsReleased
	ch <- c.rmpCalls
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nonZero, zero := c.store.Counts()
	ch <- prometheus.MustNewConstMetric(c.nonZeroRecords, prometheus.GaugeValue, float64(nonZero))
	ch <- prometheus.MustNewConstMetric(c.zeroRecords, prometheus.GaugeValue, float64(zero))
	ch <- prometheus.MustNewConstMetric(c.guardsCreated, prometheus.CounterValue, float64(c.arena.GuardsCreated()))
	ch <- prometheus.MustNewConstMetric(c.guardsReleased, prometheus.CounterValue, float64(c.arena.GuardsReleased()))
	ch <- prometheus.MustNewConstMetric(c.rmpCalls, prometheus.CounterValue, float64(c.arena.RMPCalls()))
}
