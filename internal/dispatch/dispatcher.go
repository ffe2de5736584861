package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/credential"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/metrics"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/platform"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/quota"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

// AllExhaustedError means every credential in the pool is spent. It is
// raised distinctly, never silently queued, so callers can surface a 429
// with an estimated wait.
type AllExhaustedError struct {
	RetryAfter time.Duration
}

func (e *AllExhaustedError) Error() string {
	return fmt.Sprintf("all credentials exhausted, retry after %s", e.RetryAfter)
}

// Request is one remote call to issue through the dispatcher.
type Request struct {
	UserID       string
	AccountID    string
	AccountGroup string
	Action       models.ActionType
	Payload      json.RawMessage
	Priority     int
	JobID        string
	SlotID       string
}

// Result is the outcome of a Dispatch call. Queued is an indicator, not an
// error: the call was parked in the request queue and will be retried when
// the quota window opens.
type Result struct {
	Queued     bool
	RequestID  string
	RetryAfter time.Duration
	EntityID   string
}

// Dispatcher is the single choke point through which every remote call is
// issued. It consults the quota tracker and credential pool, executes the
// call, classifies the response, and either returns success, parks the call
// in the request queue, or raises a terminal error.
type Dispatcher struct {
	pool     *credential.Pool
	quota    *quota.Tracker
	requests *repository.RequestRepository
	caller   platform.Caller
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(pool *credential.Pool, tracker *quota.Tracker, requests *repository.RequestRepository, caller platform.Caller, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		quota:    tracker,
		requests: requests,
		caller:   caller,
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch executes the request now if quota allows, otherwise parks it in
// the request queue. Entity-level errors and the all-exhausted condition
// propagate as errors; quota exhaustion does not.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	entityID, err := d.Execute(ctx, req)
	if err == nil {
		return &Result{EntityID: entityID}, nil
	}

	if errors.Is(err, platform.ErrQuotaExceeded) {
		return d.enqueue(ctx, req, "quota_exceeded", err)
	}

	var exhausted *AllExhaustedError
	if errors.As(err, &exhausted) {
		return nil, err
	}

	return nil, err
}

// Execute performs the call without any queue writes. The background
// processor uses this directly so a parked request is requeued in place
// rather than duplicated.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (string, error) {
	if _, err := models.DecodePayload(req.Action, req.Payload); err != nil {
		return "", &platform.EntityError{Message: err.Error(), UserMsg: "The request payload is invalid."}
	}

	if d.quota.ShouldQueue(req.UserID, req.AccountID) {
		d.logger.Debug("local quota exhausted",
			"user_id", req.UserID, "account_id", req.AccountID, "action", req.Action)
		return "", fmt.Errorf("local quota for account %s: %w", req.AccountID, platform.ErrQuotaExceeded)
	}

	cred, token, err := d.pool.Acquire(ctx, req.AccountGroup)
	if errors.Is(err, credential.ErrNoneAvailable) {
		return "", d.allExhausted(ctx, req.AccountGroup)
	}
	if err != nil {
		return "", err
	}

	return d.perform(ctx, req, cred, token, false)
}

// perform issues the remote call on the given credential and classifies
// the response. The network call happens with no pool or tracker lock
// held; usage is recorded afterwards.
func (d *Dispatcher) perform(ctx context.Context, req *Request, cred *models.Credential, token string, isRetry bool) (string, error) {
	result, err := d.caller.PerformCall(ctx, token, req.Action, req.AccountID, req.Payload)
	if err == nil {
		if rerr := d.pool.Release(ctx, cred, 1); rerr != nil {
			d.logger.Error("failed to record credential usage", "credential_id", cred.ID, "error", rerr)
		}
		d.quota.Record(req.UserID, req.AccountID, 1)
		d.metrics.CallsDispatchedTotal.WithLabelValues(string(req.Action)).Inc()
		return result.EntityID, nil
	}

	switch {
	case errors.Is(err, platform.ErrQuotaExceeded):
		// The remote side is authoritative: exhaust the credential window
		// immediately instead of waiting for local bookkeeping to catch up.
		if merr := d.pool.MarkExhausted(ctx, cred.ID); merr != nil {
			d.logger.Error("failed to mark credential exhausted", "credential_id", cred.ID, "error", merr)
		}
		d.quota.MarkExhausted(req.UserID, req.AccountID)
		return "", err

	case errors.Is(err, platform.ErrInvalidCredential):
		if derr := d.pool.Deactivate(ctx, cred.ID); derr != nil {
			d.logger.Error("failed to deactivate credential", "credential_id", cred.ID, "error", derr)
		}
		if isRetry {
			return "", err
		}
		// One immediate retry with the next-best credential.
		next, nextToken, aerr := d.pool.AcquireExcept(ctx, req.AccountGroup, map[string]bool{cred.ID: true})
		if errors.Is(aerr, credential.ErrNoneAvailable) {
			d.logger.Warn("no fallback credential after invalid token",
				"account_group", req.AccountGroup, "credential_id", cred.ID)
			return "", fmt.Errorf("invalid credential with no fallback: %w", platform.ErrQuotaExceeded)
		}
		if aerr != nil {
			return "", aerr
		}
		d.logger.Info("retrying with fallback credential",
			"failed_credential", cred.ID, "fallback_credential", next.ID)
		return d.perform(ctx, req, next, nextToken, true)

	default:
		var entityErr *platform.EntityError
		if errors.As(err, &entityErr) {
			// The platform processed and rejected the call; it still counts
			// against the window.
			if rerr := d.pool.Release(ctx, cred, 1); rerr != nil {
				d.logger.Error("failed to record credential usage", "credential_id", cred.ID, "error", rerr)
			}
			d.quota.Record(req.UserID, req.AccountID, 1)
			d.metrics.CallsFailedTotal.WithLabelValues(string(req.Action)).Inc()
		}
		return "", err
	}
}

// CheckAvailability reports whether any credential in the group can carry
// a call right now. Returns an AllExhaustedError when none can, so the API
// can answer 429 with a Retry-After instead of accepting doomed work.
func (d *Dispatcher) CheckAvailability(ctx context.Context, accountGroup string) error {
	_, _, err := d.pool.Acquire(ctx, accountGroup)
	if errors.Is(err, credential.ErrNoneAvailable) {
		return d.allExhausted(ctx, accountGroup)
	}
	return err
}

// RetryAt returns when a quota-deferred call should next be attempted: the
// sooner of the account window reset and the pool's earliest credential
// reset.
func (d *Dispatcher) RetryAt(ctx context.Context, userID, accountID, accountGroup string) time.Time {
	processAfter := d.quota.ResetAt(userID, accountID)
	if soonest, err := d.pool.SoonestReset(ctx, accountGroup); err == nil && !soonest.IsZero() && soonest.Before(processAfter) {
		processAfter = soonest
	}
	return processAfter
}

// enqueue parks the request with process_after at the window reset.
func (d *Dispatcher) enqueue(ctx context.Context, req *Request, reason string, cause error) (*Result, error) {
	processAfter := d.RetryAt(ctx, req.UserID, req.AccountID, req.AccountGroup)

	queued := &models.QueuedRequest{
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		AccountGroup: req.AccountGroup,
		Action:       req.Action,
		Payload:      string(req.Payload),
		Priority:     req.Priority,
		ProcessAfter: processAfter,
		JobID:        req.JobID,
		SlotID:       req.SlotID,
		LastError:    cause.Error(),
	}
	if err := d.requests.Create(ctx, queued); err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	d.metrics.CallsQueuedTotal.WithLabelValues(reason).Inc()
	d.logger.Info("request queued",
		"request_id", queued.ID, "action", req.Action,
		"account_id", req.AccountID, "process_after", processAfter)

	return &Result{
		Queued:     true,
		RequestID:  queued.ID,
		RetryAfter: time.Until(processAfter),
	}, nil
}

// allExhausted builds the distinct all-exhausted condition with an
// estimated wait: the soonest window reset across the pool, rounded up to
// the next minute.
func (d *Dispatcher) allExhausted(ctx context.Context, accountGroup string) error {
	d.metrics.AllExhaustedTotal.Inc()

	soonest, err := d.pool.SoonestReset(ctx, accountGroup)
	if err != nil || soonest.IsZero() {
		return &AllExhaustedError{RetryAfter: time.Minute}
	}
	return &AllExhaustedError{RetryAfter: roundUpToMinute(time.Until(soonest))}
}

func roundUpToMinute(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	rounded := d.Truncate(time.Minute)
	if rounded < d {
		rounded += time.Minute
	}
	return rounded
}
