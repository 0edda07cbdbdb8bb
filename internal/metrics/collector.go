package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is a point-in-time view of gauge-backed engine state.
type Snapshot struct {
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
	CacheBytes     int64
	QueueDepth     map[string]int
	Blobs          int64
	BlobBytes      int64
	Records        map[string]int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	// Source returns the current state. It is called from the collector
	// goroutine and must be safe for concurrent use.
	Source func() Snapshot
}

// Collector periodically copies engine state into gauges. Counters are
// recorded at the call sites; only values that are cheaper to sample than to
// track live here.
type Collector struct {
	metrics *Metrics
	source  func() Snapshot
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	return &Collector{metrics: m, source: cfg.Source}
}

// Collect samples the source once.
func (c *Collector) Collect() {
	if c.metrics == nil || c.source == nil {
		return
	}
	s := c.source()
	c.metrics.UpdateCache(s.CacheHits, s.CacheMisses, s.CacheEvictions, s.CacheBytes)
	for priority, depth := range s.QueueDepth {
		c.metrics.SetQueueDepth(priority, depth)
	}
	c.metrics.UpdateStorage(s.Blobs, s.BlobBytes, s.Records)
}

// Run samples every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
