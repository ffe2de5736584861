package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

// CleanerConfig contains retention settings for terminal queue rows.
type CleanerConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Cleaner periodically deletes completed, failed and cancelled requests
// older than the retention window.
type Cleaner struct {
	requests *repository.RequestRepository
	cfg      CleanerConfig
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewCleaner creates a cleaner.
func NewCleaner(requests *repository.RequestRepository, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		requests: requests,
		cfg:      cfg,
		logger:   logger.With("component", "queue_cleaner"),
		done:     make(chan struct{}),
	}
}

// Start starts the cleanup loop. Disabled when MaxAge or Interval is zero.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("cleaner started", "max_age", c.cfg.MaxAge, "interval", c.cfg.Interval)
}

// Stop stops the cleaner and waits for the loop to finish.
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.MaxAge)
	n, err := c.requests.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("cleanup failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("cleaned up terminal requests", "deleted", n, "cutoff", cutoff)
	}
}
