package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

type RequestRepository struct {
	db          *sql.DB
	maxAttempts int
}

func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{db: db, maxAttempts: models.DefaultMaxAttempts}
}

// SetDefaultMaxAttempts overrides the attempt cap stamped on requests that
// do not carry their own.
func (r *RequestRepository) SetDefaultMaxAttempts(n int) {
	if n > 0 {
		r.maxAttempts = n
	}
}

// Create enqueues a request.
func (r *RequestRepository) Create(ctx context.Context, req *models.QueuedRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Priority < models.PriorityHighest || req.Priority > models.PriorityLowest {
		req.Priority = models.PriorityDefault
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = r.maxAttempts
	}
	req.Status = models.RequestQueued
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queued_requests (id, user_id, account_id, account_group, action, payload, priority, status, process_after, attempts, max_attempts, job_id, slot_id, result, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.UserID, req.AccountID, req.AccountGroup, req.Action, req.Payload, req.Priority, req.Status,
		req.ProcessAfter, req.Attempts, req.MaxAttempts, nullString(req.JobID), nullString(req.SlotID),
		nullString(req.Result), nullString(req.LastError), req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create queued request: %w", err)
	}
	return nil
}

// GetByID returns a request by ID, or nil if not found.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.QueuedRequest, error) {
	row := r.db.QueryRowContext(ctx, selectRequest+` WHERE id = ?`, id)
	return scanRequest(row)
}

// ClaimEligible selects up to limit queued rows whose process_after has
// passed, ordered by priority then creation time (FIFO within priority),
// and marks each one processing. The per-row status guard keeps two
// processors from claiming the same request.
func (r *RequestRepository) ClaimEligible(ctx context.Context, now time.Time, limit int) ([]models.QueuedRequest, error) {
	rows, err := r.db.QueryContext(ctx, selectRequest+`
		WHERE status = ? AND process_after <= ?
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`, models.RequestQueued, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates, err := collectRequests(rows)
	if err != nil {
		return nil, err
	}

	claimed := []models.QueuedRequest{}
	for _, req := range candidates {
		res, err := r.db.ExecContext(ctx, `
			UPDATE queued_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			models.RequestProcessing, now, req.ID, models.RequestQueued)
		if err != nil {
			return nil, fmt.Errorf("failed to claim request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // claimed elsewhere, or cancelled between select and update
		}
		req.Status = models.RequestProcessing
		claimed = append(claimed, req)
	}
	return claimed, nil
}

// Complete marks a processing request completed with its result.
func (r *RequestRepository) Complete(ctx context.Context, id, result string) error {
	return r.finish(ctx, id, models.RequestCompleted, result, "")
}

// Fail marks a processing request terminally failed.
func (r *RequestRepository) Fail(ctx context.Context, id, lastError string) error {
	return r.finish(ctx, id, models.RequestFailed, "", lastError)
}

func (r *RequestRepository) finish(ctx context.Context, id string, status models.RequestStatus, result, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE queued_requests SET status = ?, result = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, nullString(result), nullString(lastError), time.Now(), id, models.RequestProcessing)
	if err != nil {
		return fmt.Errorf("failed to finish request: %w", err)
	}
	return nil
}

// Requeue returns a processing request to queued with a new process_after
// and records the attempt.
func (r *RequestRepository) Requeue(ctx context.Context, id string, processAfter time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE queued_requests SET status = ?, process_after = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.RequestQueued, processAfter, nullString(lastError), time.Now(), id, models.RequestProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue request: %w", err)
	}
	return nil
}

// Cancel marks a queued request cancelled. Cancelled rows are never
// processed. Only queued rows can be cancelled; anything in flight keeps
// going.
func (r *RequestRepository) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.RequestCancelled, time.Now(), id, models.RequestQueued)
	if err != nil {
		return false, fmt.Errorf("failed to cancel request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LiveSlotIDs returns the slot ids of a job's queued and processing
// requests. The drive loop skips these slots; the queue owns them until
// they reach a terminal state.
func (r *RequestRepository) LiveSlotIDs(ctx context.Context, jobID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT slot_id FROM queued_requests
		WHERE job_id = ? AND slot_id IS NOT NULL AND status IN (?, ?)`,
		jobID, models.RequestQueued, models.RequestProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var slotID string
		if err := rows.Scan(&slotID); err != nil {
			return nil, err
		}
		ids[slotID] = true
	}
	return ids, rows.Err()
}

// CancelByJob cancels every still-queued request belonging to a job.
func (r *RequestRepository) CancelByJob(ctx context.Context, jobID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_requests SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		models.RequestCancelled, time.Now(), jobID, models.RequestQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel job requests: %w", err)
	}
	return res.RowsAffected()
}

// List returns requests matching the filter, newest first.
func (r *RequestRepository) List(ctx context.Context, filter models.RequestListFilter) ([]models.QueuedRequest, error) {
	query := selectRequest + ` WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, filter.JobID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// Stats aggregates the queue by status.
func (r *RequestRepository) Stats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queued_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status models.RequestStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case models.RequestQueued:
			stats.Queued = count
		case models.RequestProcessing:
			stats.Processing = count
		case models.RequestCompleted:
			stats.Completed = count
		case models.RequestFailed:
			stats.Failed = count
		case models.RequestCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// DeleteTerminalBefore removes completed, failed and cancelled rows older
// than the cutoff. Used by the cleaner.
func (r *RequestRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM queued_requests WHERE status IN (?, ?, ?) AND updated_at < ?`,
		models.RequestCompleted, models.RequestFailed, models.RequestCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal requests: %w", err)
	}
	return res.RowsAffected()
}

const selectRequest = `
	SELECT id, user_id, account_id, account_group, action, payload, priority, status, process_after, attempts, max_attempts,
		COALESCE(job_id, ''), COALESCE(slot_id, ''), COALESCE(result, ''), COALESCE(last_error, ''), created_at, updated_at
	FROM queued_requests`

func scanRequest(row rowScanner) (*models.QueuedRequest, error) {
	req := &models.QueuedRequest{}
	err := row.Scan(&req.ID, &req.UserID, &req.AccountID, &req.AccountGroup, &req.Action, &req.Payload,
		&req.Priority, &req.Status, &req.ProcessAfter, &req.Attempts, &req.MaxAttempts,
		&req.JobID, &req.SlotID, &req.Result, &req.LastError, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func collectRequests(rows *sql.Rows) ([]models.QueuedRequest, error) {
	reqs := []models.QueuedRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
