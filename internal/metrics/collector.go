package metrics

import (
	"context"
	"time"

	"github.com/onnwee/opsdash/internal/logger"
)

// CacheSizer reports the current entry count of a named cache instance.
type CacheSizer interface {
	Name() string
	Len() int
}

// QueueSizer reports the number of pending operations.
type QueueSizer interface {
	Len() int
}

// Collector periodically refreshes gauges that are cheaper to sample than to track
type Collector struct {
	caches   []CacheSizer
	queue    QueueSizer
	interval time.Duration
	stop     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(queue QueueSizer, interval time.Duration, caches ...CacheSizer) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		caches:   caches,
		queue:    queue,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	close(c.stop)
}

// Collect samples every source once.
func (c *Collector) Collect() {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("metrics collection panicked", "panic", r)
			MetricsCollectionErrors.WithLabelValues("sync").Inc()
		}
	}()
	for _, cs := range c.caches {
		CacheItems.WithLabelValues(cs.Name()).Set(float64(cs.Len()))
	}
	if c.queue != nil {
		PendingOperations.Set(float64(c.queue.Len()))
	}
}
