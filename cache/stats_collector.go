package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const statsScrapeTimeout = time.Second

var (
	liveTokensDesc = prometheus.NewDesc(
		"imagewatch_active_tokens",
		"Tokens currently held by the token store.",
		nil, nil,
	)
	identitiesDesc = prometheus.NewDesc(
		"imagewatch_token_identities",
		"Usernames holding at least one token.",
		nil, nil,
	)
)

// StatsSource is the store's Stats operation.
type StatsSource interface {
	Stats(ctx context.Context) (Stats, error)
}

// StatsCollector exports the token store's Stats as gauges on every scrape.
// Nothing is reported once the store has stopped.
type StatsCollector struct {
	source StatsSource
}

// NewStatsCollector creates a collector reading from source.
func NewStatsCollector(source StatsSource) *StatsCollector {
	return &StatsCollector{source: source}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- liveTokensDesc
	ch <- identitiesDesc
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), statsScrapeTimeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(liveTokensDesc, prometheus.GaugeValue, float64(stats.Tokens))
	ch <- prometheus.MustNewConstMetric(identitiesDesc, prometheus.GaugeValue, float64(stats.Identities))
}

var _ prometheus.Collector = (*StatsCollector)(nil)
