// Package metrics exports the engine's counters as Prometheus gauges
// and counters, refreshed on demand from an engine.Stats snapshot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relmigrate/relmigrate/engine"
)

// Collector is a prometheus.Collector that samples an *engine.Engine on
// every scrape rather than pushing updates, avoiding a second place that
// must stay in sync with the engine's own counters.
type Collector struct {
	eng *engine.Engine

	dirtyPages       *prometheus.Desc
	syncCount        *prometheus.Desc
	epoch            *prometheus.Desc
	iterations       *prometheus.Desc
	bytesTransferred *prometheus.Desc
	duplicatePages   *prometheus.Desc
	normalPages      *prometheus.Desc
	postcopyRequests *prometheus.Desc
	xbzrleCacheMiss  *prometheus.Desc
	xbzrleOverflow   *prometheus.Desc
	pagesReceived    *prometheus.Desc
	bytesReceived    *prometheus.Desc
}

// New constructs a Collector sampling eng. Register it with a
// prometheus.Registry to expose it.
func New(eng *engine.Engine) *Collector {
	ns := "relmigrate"

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(ns+"_"+name, help, nil, nil)
	}

	return &Collector{
		eng:              eng,
		dirtyPages:       desc("dirty_pages", "Current migration_dirty_pages estimate"),
		syncCount:        desc("bitmap_sync_total", "Number of dirty-bitmap syncs performed"),
		epoch:            desc("bitmap_epoch", "Current dirty-bitmap sync epoch"),
		iterations:       desc("iterations_total", "Number of precopy rounds completed"),
		bytesTransferred: desc("bytes_transferred_total", "Bytes written to the wire"),
		duplicatePages:   desc("duplicate_pages_total", "Zero-fill pages sent"),
		normalPages:      desc("normal_pages_total", "Raw (uncompressed, non-delta) pages sent"),
		postcopyRequests: desc("postcopy_requests_total", "Urgent postcopy page requests serviced"),
		xbzrleCacheMiss:  desc("xbzrle_cache_miss_total", "XBZRLE cache misses"),
		xbzrleOverflow:   desc("xbzrle_overflow_total", "XBZRLE encodes that overflowed to raw"),
		pagesReceived:    desc("pages_received_total", "Pages applied on the destination"),
		bytesReceived:    desc("bytes_received_total", "Bytes read from the wire on the destination"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dirtyPages
	ch <- c.syncCount
	ch <- c.epoch
	ch <- c.iterations
	ch <- c.bytesTransferred
	ch <- c.duplicatePages
	ch <- c.normalPages
	ch <- c.postcopyRequests
	ch <- c.xbzrleCacheMiss
	ch <- c.xbzrleOverflow
	ch <- c.pagesReceived
	ch <- c.bytesReceived
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.eng.Stats()

	ch <- prometheus.MustNewConstMetric(c.dirtyPages, prometheus.GaugeValue, float64(s.DirtyPages))
	ch <- prometheus.MustNewConstMetric(c.syncCount, prometheus.CounterValue, float64(s.SyncCount))
	ch <- prometheus.MustNewConstMetric(c.epoch, prometheus.GaugeValue, float64(s.Epoch))
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(s.Iterations))
	ch <- prometheus.MustNewConstMetric(c.bytesTransferred, prometheus.CounterValue, float64(s.BytesTransferred))
	ch <- prometheus.MustNewConstMetric(c.duplicatePages, prometheus.CounterValue, float64(s.DuplicatePages))
	ch <- prometheus.MustNewConstMetric(c.normalPages, prometheus.CounterValue, float64(s.NormalPages))
	ch <- prometheus.MustNewConstMetric(c.postcopyRequests, prometheus.CounterValue, float64(s.PostcopyRequests))
	ch <- prometheus.MustNewConstMetric(c.xbzrleCacheMiss, prometheus.CounterValue, float64(s.XBZRLECacheMiss))
	ch <- prometheus.MustNewConstMetric(c.xbzrleOverflow, prometheus.CounterValue, float64(s.XBZRLEOverflow))
	ch <- prometheus.MustNewConstMetric(c.pagesReceived, prometheus.CounterValue, float64(s.PagesReceived))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(s.BytesReceived))
}

var _ prometheus.Collector = (*Collector)(nil)
