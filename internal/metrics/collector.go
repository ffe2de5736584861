package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

// QueueStatsProvider supplies queue aggregates for the gauges.
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// CredentialUsageProvider supplies per-credential usage for the gauges.
type CredentialUsageProvider interface {
	Usage(ctx context.Context) ([]models.CredentialUsage, error)
}

// Collector periodically refreshes the queue and credential gauges.
type Collector struct {
	metrics       *Metrics
	queue         QueueStatsProvider
	credentials   CredentialUsageProvider
	flushInterval time.Duration
	logger        *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector.
func NewCollector(m *Metrics, queue QueueStatsProvider, credentials CredentialUsageProvider, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if flushInterval <= 0 {
		flushInterval = 15 * time.Second
	}
	return &Collector{
		metrics:       m,
		queue:         queue,
		credentials:   credentials,
		flushInterval: flushInterval,
		logger:        logger.With("component", "metrics_collector"),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the refresh loop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		c.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refresh(ctx context.Context) {
	if stats, err := c.queue.Stats(ctx); err != nil {
		c.logger.Error("failed to collect queue stats", "error", err)
	} else {
		c.metrics.QueueDepth.Set(float64(stats.Queued))
		c.metrics.QueueProcessing.Set(float64(stats.Processing))
		c.metrics.QueueFailed.Set(float64(stats.Failed))
	}

	usage, err := c.credentials.Usage(ctx)
	if err != nil {
		c.logger.Error("failed to collect credential usage", "error", err)
		return
	}
	active := 0
	for _, u := range usage {
		c.metrics.CredentialUsage.WithLabelValues(u.Name).Set(u.UsagePercent)
		if u.Active {
			active++
		}
	}
	c.metrics.CredentialActive.Set(float64(active))
}
