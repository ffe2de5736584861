package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

// ErrNoneAvailable means every credential in the group is exhausted or
// inactive. Callers must not busy-loop on this; the dispatcher escalates to
// the queueing path.
var ErrNoneAvailable = errors.New("no credential available")

// WindowLength is the fixed quota window on credential counters.
const WindowLength = time.Hour

// Pool selects the least-loaded usable credential for an account group.
// Usage counters live in the credentials table and are only mutated through
// atomic increments, so concurrent dispatchers cannot lose updates.
type Pool struct {
	repo   *repository.CredentialRepository
	cipher *Cipher
	logger *slog.Logger
}

// NewPool creates a credential pool.
func NewPool(repo *repository.CredentialRepository, cipher *Cipher, logger *slog.Logger) *Pool {
	return &Pool{
		repo:   repo,
		cipher: cipher,
		logger: logger.With("component", "credential_pool"),
	}
}

// Acquire picks the active credential with the lowest usage percentage
// whose window still has room, ties broken by id order. Credentials whose
// window has expired are reset (exactly once, via a compare-and-reset
// update) before selection. Returns the credential and its decrypted token.
func (p *Pool) Acquire(ctx context.Context, accountGroup string) (*models.Credential, string, error) {
	creds, err := p.repo.ListActive(ctx, accountGroup)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list credentials: %w", err)
	}

	now := time.Now()
	var best *models.Credential
	for i := range creds {
		c := &creds[i]
		if !now.Before(c.WindowResetAt) {
			reset, err := p.repo.ResetWindow(ctx, c.ID, now, WindowLength)
			if err != nil {
				return nil, "", err
			}
			if reset {
				p.logger.Debug("credential window rolled over", "credential_id", c.ID)
			}
			// Re-read so a concurrent reset still yields fresh numbers.
			fresh, err := p.repo.GetByID(ctx, c.ID)
			if err != nil {
				return nil, "", err
			}
			if fresh != nil {
				*c = *fresh
			}
		}
		if c.CallsUsed >= c.CallsLimit {
			continue
		}
		// List order is id order, so strict less-than keeps ties
		// deterministic.
		if best == nil || c.UsagePercent() < best.UsagePercent() {
			best = c
		}
	}

	if best == nil {
		return nil, "", ErrNoneAvailable
	}

	token, err := p.cipher.Open(best.TokenSealed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open token for credential %s: %w", best.ID, err)
	}
	return best, token, nil
}

// AcquireExcept behaves like Acquire but skips the listed credential ids.
// Used for the immediate retry after an invalid-credential response.
func (p *Pool) AcquireExcept(ctx context.Context, accountGroup string, exclude map[string]bool) (*models.Credential, string, error) {
	creds, err := p.repo.ListActive(ctx, accountGroup)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list credentials: %w", err)
	}

	now := time.Now()
	var best *models.Credential
	for i := range creds {
		c := &creds[i]
		if exclude[c.ID] {
			continue
		}
		if !c.Usable(now) {
			continue
		}
		if !now.Before(c.WindowResetAt) {
			if _, err := p.repo.ResetWindow(ctx, c.ID, now, WindowLength); err != nil {
				return nil, "", err
			}
			c.CallsUsed = 0
		}
		if best == nil || c.UsagePercent() < best.UsagePercent() {
			best = c
		}
	}
	if best == nil {
		return nil, "", ErrNoneAvailable
	}
	token, err := p.cipher.Open(best.TokenSealed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open token for credential %s: %w", best.ID, err)
	}
	return best, token, nil
}

// Release records the calls consumed by a finished remote call. This is an
// atomic increment keyed by credential id; Acquire itself never mutates.
func (p *Pool) Release(ctx context.Context, cred *models.Credential, callsConsumed int) error {
	if callsConsumed <= 0 {
		return nil
	}
	return p.repo.IncrementUsage(ctx, cred.ID, callsConsumed)
}

// MarkExhausted immediately pins a credential's window as spent. The remote
// side is authoritative about rate limits; this avoids repeat collisions
// before the next local rollover.
func (p *Pool) MarkExhausted(ctx context.Context, id string) error {
	p.logger.Warn("credential marked exhausted by remote signal", "credential_id", id)
	return p.repo.MarkExhausted(ctx, id)
}

// Deactivate takes a credential out of rotation after an invalid-token
// response.
func (p *Pool) Deactivate(ctx context.Context, id string) error {
	p.logger.Warn("credential deactivated", "credential_id", id)
	return p.repo.SetActive(ctx, id, false)
}

// SoonestReset returns the earliest window reset among active credentials
// in the group, for the all-exhausted retry estimate.
func (p *Pool) SoonestReset(ctx context.Context, accountGroup string) (time.Time, error) {
	return p.repo.SoonestReset(ctx, accountGroup)
}

// Usage reports the per-credential view for the queue status endpoint.
func (p *Pool) Usage(ctx context.Context) ([]models.CredentialUsage, error) {
	creds, err := p.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	usage := make([]models.CredentialUsage, 0, len(creds))
	for _, c := range creds {
		usage = append(usage, models.CredentialUsage{
			ID:            c.ID,
			Name:          c.Name,
			CallsUsed:     c.CallsUsed,
			CallsLimit:    c.CallsLimit,
			UsagePercent:  c.UsagePercent(),
			WindowResetAt: c.WindowResetAt,
			Active:        c.Active,
		})
	}
	return usage, nil
}
