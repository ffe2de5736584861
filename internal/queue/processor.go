package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/dispatch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/platform"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

// ResultHandler is notified when a queued request reaches a terminal
// state. The job orchestrator uses this to advance the slot the request
// belongs to.
type ResultHandler interface {
	HandleResult(ctx context.Context, req *models.QueuedRequest, entityID string, dispatchErr error)
	// SlotRemoteID reports the remote entity already recorded for a slot,
	// so a parked request is not re-sent for an entity that exists.
	SlotRemoteID(ctx context.Context, slotID string) (string, bool)
}

// ProcessorConfig contains processor settings.
type ProcessorConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Processor drains the request queue on a fixed tick, re-dispatching each
// eligible row through the dispatcher. It owns its own lifecycle: Start and
// Stop, no process-wide state.
type Processor struct {
	requests   *repository.RequestRepository
	dispatcher *dispatch.Dispatcher
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger

	mu      sync.RWMutex
	handler ResultHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProcessor creates a queue processor.
func NewProcessor(requests *repository.RequestRepository, dispatcher *dispatch.Dispatcher, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Processor{
		requests:   requests,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		logger:     logger.With("component", "queue_processor"),
		stopCh:     make(chan struct{}),
	}
}

// SetResultHandler registers the terminal-state callback. Must be called
// before Start.
func (p *Processor) SetResultHandler(h ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Start begins the drain loop.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "interval", p.interval, "batch_size", p.batchSize)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.ProcessBatch(ctx)
			}
		}
	}()
}

// Stop halts the drain loop and waits for the in-flight batch.
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

// ProcessBatch claims and processes one batch of eligible requests.
// Exported so tests and the CLI can drive the queue without the ticker.
func (p *Processor) ProcessBatch(ctx context.Context) {
	claimed, err := p.requests.ClaimEligible(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.logger.Error("failed to claim eligible requests", "error", err)
		return
	}

	for i := range claimed {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		p.processOne(ctx, &claimed[i])
	}
}

func (p *Processor) processOne(ctx context.Context, req *models.QueuedRequest) {
	logger := p.logger.With("request_id", req.ID, "action", req.Action, "attempt", req.Attempts+1)

	if req.SlotID != "" {
		if remoteID, ok := p.slotRemoteID(ctx, req.SlotID); ok {
			if uerr := p.requests.Complete(ctx, req.ID, remoteID); uerr != nil {
				logger.Error("failed to mark request completed", "error", uerr)
			}
			logger.Info("queued request already satisfied", "entity_id", remoteID)
			p.notify(ctx, req, remoteID, nil)
			return
		}
	}

	entityID, err := p.dispatcher.Execute(ctx, &dispatch.Request{
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		AccountGroup: req.AccountGroup,
		Action:       req.Action,
		Payload:      []byte(req.Payload),
		Priority:     req.Priority,
		JobID:        req.JobID,
		SlotID:       req.SlotID,
	})

	if err == nil {
		if uerr := p.requests.Complete(ctx, req.ID, entityID); uerr != nil {
			logger.Error("failed to mark request completed", "error", uerr)
		}
		logger.Info("queued request completed", "entity_id", entityID)
		p.notify(ctx, req, entityID, nil)
		return
	}

	var entityErr *platform.EntityError
	if errors.As(err, &entityErr) {
		// Entity-level errors are terminal for the queue; retrying the same
		// payload cannot succeed.
		if uerr := p.requests.Fail(ctx, req.ID, err.Error()); uerr != nil {
			logger.Error("failed to mark request failed", "error", uerr)
		}
		logger.Warn("queued request failed permanently", "error", err)
		p.notify(ctx, req, "", err)
		return
	}

	// Quota exhaustion, all-exhausted, or a transport failure: retry until
	// the attempt cap.
	if req.Attempts+1 >= req.MaxAttempts {
		if uerr := p.requests.Fail(ctx, req.ID, err.Error()); uerr != nil {
			logger.Error("failed to mark request failed", "error", uerr)
		}
		logger.Warn("queued request exhausted attempts", "max_attempts", req.MaxAttempts, "error", err)
		p.notify(ctx, req, "", err)
		return
	}

	retryAt := p.retryAt(ctx, req, err)
	if uerr := p.requests.Requeue(ctx, req.ID, retryAt, err.Error()); uerr != nil {
		logger.Error("failed to requeue request", "error", uerr)
		return
	}
	logger.Info("queued request deferred", "process_after", retryAt, "error", err)
}

// retryAt picks the next attempt time. Quota failures wait for the window
// reset rather than a fixed short delay; everything else backs off
// exponentially.
func (p *Processor) retryAt(ctx context.Context, req *models.QueuedRequest, cause error) time.Time {
	if errors.Is(cause, platform.ErrQuotaExceeded) {
		if at := p.dispatcher.RetryAt(ctx, req.UserID, req.AccountID, req.AccountGroup); !at.IsZero() && at.After(time.Now()) {
			return at
		}
	}
	var exhausted *dispatch.AllExhaustedError
	if errors.As(cause, &exhausted) {
		return time.Now().Add(exhausted.RetryAfter)
	}

	backoff := time.Duration(1<<uint(req.Attempts)) * time.Minute
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return time.Now().Add(backoff)
}

func (p *Processor) slotRemoteID(ctx context.Context, slotID string) (string, bool) {
	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()

	if handler == nil {
		return "", false
	}
	return handler.SlotRemoteID(ctx, slotID)
}

func (p *Processor) notify(ctx context.Context, req *models.QueuedRequest, entityID string, err error) {
	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()

	if handler == nil || req.SlotID == "" {
		return
	}
	handler.HandleResult(ctx, req, entityID, err)
}
