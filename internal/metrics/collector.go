package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wangfeng1004/Cumulus/internal/stats"
)

// StatsCollector exports the stats registry blocks at scrape time, one
// series per block and event.
type StatsCollector struct {
	registry  *stats.Registry
	events    *prometheus.Desc
	rotations *prometheus.Desc
}

// NewStatsCollector creates a collector over r.
func NewStatsCollector(r *stats.Registry) *StatsCollector {
	return &StatsCollector{
		registry: r,
		events: prometheus.NewDesc(
			"cumulus_stat_events",
			"Stats registry counters by block and event",
			[]string{"block", "event"}, nil,
		),
		rotations: prometheus.NewDesc(
			"cumulus_stat_rotations_total",
			"Number of completed stats rotations",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.rotations
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	blocks := []struct {
		name  string
		block *stats.Block
	}{
		{"current", c.registry.Current()},
		{"last_period", c.registry.LastPeriod()},
		{"cumulative", c.registry.Cumulative()},
	}

	for _, b := range blocks {
		for _, e := range stats.Events() {
			ch <- prometheus.MustNewConstMetric(c.events, prometheus.GaugeValue,
				float64(b.block.Get(e)), b.name, e.String())
		}
	}
	ch <- prometheus.MustNewConstMetric(c.rotations, prometheus.CounterValue,
		float64(c.registry.Rotations()))
}
