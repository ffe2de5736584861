package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job in pending state.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.RetryBudget <= 0 {
		job.RetryBudget = models.DefaultRetryBudget
	}
	job.Status = models.JobPending
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner, account_id, account_group, parent_name, requested_adsets, requested_ads, status, children_created, retry_count, retry_budget, last_error, error_history, rollback_triggered, rollback_reason, parent_remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Owner, job.AccountID, job.AccountGroup, job.ParentName, job.RequestedAdSets, job.RequestedAds,
		job.Status, job.ChildrenCreated, job.RetryCount, job.RetryBudget, nullString(job.LastError),
		nullString(job.ErrorHistory), job.RollbackTriggered, nullString(job.RollbackReason),
		nullString(job.ParentRemoteID), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID returns a job by ID, or nil if not found.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// Update persists the mutable job fields.
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, children_created = ?, retry_count = ?, last_error = ?, error_history = ?,
			rollback_triggered = ?, rollback_reason = ?, parent_remote_id = ?, updated_at = ?
		WHERE id = ?`,
		job.Status, job.ChildrenCreated, job.RetryCount, nullString(job.LastError), nullString(job.ErrorHistory),
		job.RollbackTriggered, nullString(job.RollbackReason), nullString(job.ParentRemoteID), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// SetStatus advances only the status column.
func (r *JobRepository) SetStatus(ctx context.Context, id string, status models.JobStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}
	return nil
}

// IncrementChildrenCreated bumps the progress counter atomically so
// concurrent slot completions never lose an update.
func (r *JobRepository) IncrementChildrenCreated(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET children_created = children_created + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to increment children_created: %w", err)
	}
	return nil
}

// RecordError appends to the job's error history and updates last_error
// without touching the progress counters, so concurrent slot completions
// are never clobbered.
func (r *JobRepository) RecordError(ctx context.Context, id, msg string) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	job.AppendError(msg)
	_, err = r.db.ExecContext(ctx, `
		UPDATE jobs SET last_error = ?, error_history = ?, updated_at = ? WHERE id = ?`,
		nullString(job.LastError), nullString(job.ErrorHistory), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record job error: %w", err)
	}
	return nil
}

// IncrementRetryCount spends one retry atomically and returns the new count.
func (r *JobRepository) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT retry_count FROM jobs WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetParentRemoteID records the parent entity id once it is known.
func (r *JobRepository) SetParentRemoteID(ctx context.Context, id, remoteID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET parent_remote_id = ?, updated_at = ? WHERE id = ?`,
		remoteID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set parent remote id: %w", err)
	}
	return nil
}

// MarkRollback claims the rollback for a job exactly once. Returns false
// when another path already triggered it.
func (r *JobRepository) MarkRollback(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET rollback_triggered = 1, rollback_reason = ?, updated_at = ?
		WHERE id = ? AND rollback_triggered = 0`,
		reason, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark rollback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepository) List(ctx context.Context, filter models.JobListFilter) ([]models.Job, error) {
	query := selectJob + ` WHERE 1=1`
	args := []any{}

	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
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

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

const selectJob = `
	SELECT id, owner, account_id, account_group, parent_name, requested_adsets, requested_ads, status, children_created,
		retry_count, retry_budget, COALESCE(last_error, ''), COALESCE(error_history, ''), rollback_triggered,
		COALESCE(rollback_reason, ''), COALESCE(parent_remote_id, ''), created_at, updated_at
	FROM jobs`

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(&job.ID, &job.Owner, &job.AccountID, &job.AccountGroup, &job.ParentName,
		&job.RequestedAdSets, &job.RequestedAds, &job.Status, &job.ChildrenCreated,
		&job.RetryCount, &job.RetryBudget, &job.LastError, &job.ErrorHistory, &job.RollbackTriggered,
		&job.RollbackReason, &job.ParentRemoteID, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}
