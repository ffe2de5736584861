package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

type VerificationRepository struct {
	db *sql.DB
}

func NewVerificationRepository(db *sql.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// Create persists one verification run. Rows are audit records and never
// updated afterwards.
func (r *VerificationRepository) Create(ctx context.Context, v *models.VerificationResult) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verifications (id, user_id, account_id, proposed_name, account_reachable, account_active, name_available, under_limit, token_valid, can_proceed, warnings, errors, current_count, limit_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.AccountID, v.ProposedName,
		nullBool(v.AccountReachable), nullBool(v.AccountActive), nullBool(v.NameAvailable),
		nullBool(v.UnderLimit), nullBool(v.TokenValid),
		v.CanProceed, v.Warnings, v.Errors, v.CurrentCount, v.LimitCount, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification: %w", err)
	}
	return nil
}

// GetByID returns a verification row, or nil if not found.
func (r *VerificationRepository) GetByID(ctx context.Context, id string) (*models.VerificationResult, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, account_id, proposed_name, account_reachable, account_active, name_available, under_limit, token_valid,
			can_proceed, COALESCE(warnings, ''), COALESCE(errors, ''), current_count, limit_count, created_at
		FROM verifications WHERE id = ?`, id)

	v := &models.VerificationResult{}
	var reachable, active, available, underLimit, tokenValid sql.NullBool
	err := row.Scan(&v.ID, &v.UserID, &v.AccountID, &v.ProposedName,
		&reachable, &active, &available, &underLimit, &tokenValid,
		&v.CanProceed, &v.Warnings, &v.Errors, &v.CurrentCount, &v.LimitCount, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.AccountReachable = fromNullBool(reachable)
	v.AccountActive = fromNullBool(active)
	v.NameAvailable = fromNullBool(available)
	v.UnderLimit = fromNullBool(underLimit)
	v.TokenValid = fromNullBool(tokenValid)
	return v, nil
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func fromNullBool(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}
