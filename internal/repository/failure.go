package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

type FailureRepository struct {
	db *sql.DB
}

func NewFailureRepository(db *sql.DB) *FailureRepository {
	return &FailureRepository{db: db}
}

// Create records a terminal entity failure.
func (r *FailureRepository) Create(ctx context.Context, f *models.FailureRecord) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = models.FailureFailed
	}
	f.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failure_records (id, job_id, user_id, campaign_id, adset_id, ad_id, entity_type, raw_reason, user_reason, platform_code, raw_payload, retry_count, status, recovered_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.JobID, f.UserID, nullString(f.CampaignID), nullString(f.AdSetID), nullString(f.AdID),
		f.EntityType, f.RawReason, f.UserReason, f.PlatformCode, nullString(f.RawPayload),
		f.RetryCount, f.Status, f.RecoveredAt, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create failure record: %w", err)
	}
	return nil
}

// List returns failure records matching the filter, newest first.
func (r *FailureRepository) List(ctx context.Context, filter models.FailureListFilter) ([]models.FailureRecord, error) {
	query := selectFailure + ` WHERE 1=1`
	args := []any{}

	if filter.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, filter.JobID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
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

	records := []models.FailureRecord{}
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *f)
	}
	return records, rows.Err()
}

// SetStatus is the manual-recovery path: retrying, recovered (stamps
// recovered_at) or permanent_failure.
func (r *FailureRepository) SetStatus(ctx context.Context, id string, status models.FailureStatus) error {
	var recoveredAt any
	if status == models.FailureRecovered {
		recoveredAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE failure_records SET status = ?, recovered_at = COALESCE(?, recovered_at) WHERE id = ?`,
		status, recoveredAt, id)
	if err != nil {
		return fmt.Errorf("failed to set failure status: %w", err)
	}
	return nil
}

const selectFailure = `
	SELECT id, job_id, user_id, COALESCE(campaign_id, ''), COALESCE(adset_id, ''), COALESCE(ad_id, ''),
		entity_type, raw_reason, user_reason, COALESCE(platform_code, 0), COALESCE(raw_payload, ''),
		retry_count, status, recovered_at, created_at
	FROM failure_records`

func scanFailure(row rowScanner) (*models.FailureRecord, error) {
	f := &models.FailureRecord{}
	var recoveredAt sql.NullTime
	err := row.Scan(&f.ID, &f.JobID, &f.UserID, &f.CampaignID, &f.AdSetID, &f.AdID,
		&f.EntityType, &f.RawReason, &f.UserReason, &f.PlatformCode, &f.RawPayload,
		&f.RetryCount, &f.Status, &recoveredAt, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if recoveredAt.Valid {
		f.RecoveredAt = &recoveredAt.Time
	}
	return f, nil
}
