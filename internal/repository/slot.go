package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

type SlotRepository struct {
	db *sql.DB
}

func NewSlotRepository(db *sql.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

// Create inserts one slot. The UNIQUE(job_id, slot_number, entity_type)
// constraint is the safety net against duplicate-slot races.
func (r *SlotRepository) Create(ctx context.Context, s *models.Slot) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = models.SlotPending
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO slots (id, job_id, slot_number, entity_type, name, remote_id, status, payload, error, retry_count, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.JobID, s.SlotNumber, s.EntityType, s.Name, nullString(s.RemoteID), s.Status,
		nullString(s.Payload), nullString(s.Error), s.RetryCount, s.StartedAt, s.CompletedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create slot: %w", err)
	}
	return nil
}

// GetByID returns a slot by ID, or nil if not found.
func (r *SlotRepository) GetByID(ctx context.Context, id string) (*models.Slot, error) {
	row := r.db.QueryRowContext(ctx, selectSlot+` WHERE id = ?`, id)
	return scanSlot(row)
}

// ListByJob returns every slot for a job ordered by entity type dependency
// (campaign first) then slot number.
func (r *SlotRepository) ListByJob(ctx context.Context, jobID string) ([]models.Slot, error) {
	rows, err := r.db.QueryContext(ctx, selectSlot+`
		WHERE job_id = ?
		ORDER BY CASE entity_type WHEN 'campaign' THEN 0 WHEN 'adset' THEN 1 ELSE 2 END, slot_number`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := []models.Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *s)
	}
	return slots, rows.Err()
}

// MarkCreating moves a slot into creating and stamps started_at. Fails the
// transition when the slot is already terminal.
func (r *SlotRepository) MarkCreating(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE slots SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.SlotCreating, now, now, id, models.SlotPending, models.SlotCreating)
	if err != nil {
		return fmt.Errorf("failed to mark slot creating: %w", err)
	}
	return nil
}

// MarkCreated records the remote entity id and completes the slot. The
// remote_id guard keeps a late retry from overwriting an existing entity
// reference, which is what makes re-drives idempotent. Returns false when
// the slot already carried a remote id.
func (r *SlotRepository) MarkCreated(ctx context.Context, id, remoteID string) (bool, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE slots SET status = ?, remote_id = ?, error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND remote_id IS NULL`,
		models.SlotCreated, remoteID, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark slot created: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkFailed records a failure and increments the slot retry counter.
func (r *SlotRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE slots SET status = ?, error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`,
		models.SlotFailed, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark slot failed: %w", err)
	}
	return nil
}

// MarkRolledBack finalizes a slot after compensation. Only created or
// failed slots transition; a rolled_back slot never goes back to creating.
func (r *SlotRepository) MarkRolledBack(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE slots SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		models.SlotRolledBack, time.Now(), id, models.SlotCreated, models.SlotFailed)
	if err != nil {
		return false, fmt.Errorf("failed to mark slot rolled back: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Requeue returns a failed slot to pending for another drive pass.
func (r *SlotRepository) Requeue(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE slots SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.SlotPending, time.Now(), id, models.SlotFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue slot: %w", err)
	}
	return nil
}

const selectSlot = `
	SELECT id, job_id, slot_number, entity_type, name, COALESCE(remote_id, ''), status, COALESCE(payload, ''),
		COALESCE(error, ''), retry_count, started_at, completed_at, created_at, updated_at
	FROM slots`

func scanSlot(row rowScanner) (*models.Slot, error) {
	s := &models.Slot{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&s.ID, &s.JobID, &s.SlotNumber, &s.EntityType, &s.Name, &s.RemoteID, &s.Status,
		&s.Payload, &s.Error, &s.RetryCount, &startedAt, &completedAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}
