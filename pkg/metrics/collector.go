package metrics

import (
	"context"
	"time"

	"github.com/IdleRPGBot/rateway/logger"
)

// CacheStatsProvider reports entity counts keyed by entity kind name.
type CacheStatsProvider interface {
	Counts() map[string]int
}

// Collector periodically copies gauge-style statistics into Prometheus.
type Collector struct {
	cacheProvider CacheStatsProvider
	interval      time.Duration
}

// NewCollector creates a new metrics collector
func NewCollector(cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		cacheProvider: cacheProvider,
		interval:      interval,
	}
}

// Start runs until ctx is cancelled, collecting once immediately.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Metrics collector stopping")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	if c.cacheProvider == nil {
		return
	}
	for kind, n := range c.cacheProvider.Counts() {
		CacheEntities.WithLabelValues(kind).Set(float64(n))
	}
}
