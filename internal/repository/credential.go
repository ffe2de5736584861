package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create inserts a new credential.
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CallsLimit <= 0 {
		c.CallsLimit = 200
	}
	if c.WindowResetAt.IsZero() {
		c.WindowResetAt = time.Now().Add(time.Hour)
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (id, name, account_group, token_sealed, kind, calls_used, calls_limit, window_reset_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.AccountGroup, c.TokenSealed, c.Kind, c.CallsUsed, c.CallsLimit, c.WindowResetAt, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetByID returns a credential by ID, or nil if not found.
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, account_group, token_sealed, kind, calls_used, calls_limit, window_reset_at, active, created_at, updated_at
		FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// ListActive returns the active credentials for an account group ordered by
// id, for deterministic tie-breaking in the pool.
func (r *CredentialRepository) ListActive(ctx context.Context, accountGroup string) ([]models.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, account_group, token_sealed, kind, calls_used, calls_limit, window_reset_at, active, created_at, updated_at
		FROM credentials WHERE account_group = ? AND active = 1 ORDER BY id`, accountGroup)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCredentials(rows)
}

// ListAll returns every credential, for the CLI and queue status endpoint.
func (r *CredentialRepository) ListAll(ctx context.Context) ([]models.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, account_group, token_sealed, kind, calls_used, calls_limit, window_reset_at, active, created_at, updated_at
		FROM credentials ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCredentials(rows)
}

// IncrementUsage adds callsConsumed to calls_used as a single atomic
// update. Concurrent dispatchers must never read-modify-write this counter.
func (r *CredentialRepository) IncrementUsage(ctx context.Context, id string, callsConsumed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET calls_used = calls_used + ?, updated_at = ? WHERE id = ?`,
		callsConsumed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to increment credential usage: %w", err)
	}
	return nil
}

// ResetWindow zeroes the counter and advances the window, but only if the
// stored reset time has actually passed. The WHERE guard gives
// compare-and-reset semantics so a rollover happens exactly once under
// concurrent acquires.
func (r *CredentialRepository) ResetWindow(ctx context.Context, id string, now time.Time, windowLen time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET calls_used = 0, window_reset_at = ?, updated_at = ?
		WHERE id = ? AND window_reset_at <= ?`,
		now.Add(windowLen), now, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to reset credential window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkExhausted pins calls_used to the limit so the pool skips the
// credential until its window reset. Used when the remote side signals a
// rate limit regardless of local bookkeeping.
func (r *CredentialRepository) MarkExhausted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET calls_used = calls_limit, updated_at = ? WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark credential exhausted: %w", err)
	}
	return nil
}

// SetActive flips the active flag.
func (r *CredentialRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set credential active: %w", err)
	}
	return nil
}

// SoonestReset returns the earliest window_reset_at among active
// credentials for the group. Zero time when the group has none. The plain
// column select keeps the driver's time conversion; an aggregate would
// come back as a bare string.
func (r *CredentialRepository) SoonestReset(ctx context.Context, accountGroup string) (time.Time, error) {
	var reset time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT window_reset_at FROM credentials WHERE account_group = ? AND active = 1
		ORDER BY window_reset_at LIMIT 1`,
		accountGroup).Scan(&reset)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return reset, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	c := &models.Credential{}
	err := row.Scan(&c.ID, &c.Name, &c.AccountGroup, &c.TokenSealed, &c.Kind,
		&c.CallsUsed, &c.CallsLimit, &c.WindowResetAt, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func collectCredentials(rows *sql.Rows) ([]models.Credential, error) {
	creds := []models.Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}
