package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/credential"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/platform"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

// Verifier is the synchronous gate run once per job before any entity is
// created. Each check is tri-state: pass, fail, or inconclusive when the
// check itself errored. Inconclusive checks become warnings, not errors;
// the caller decides whether to proceed on warnings.
type Verifier struct {
	caller platform.Caller
	pool   *credential.Pool
	store  *repository.VerificationRepository
	logger *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(caller platform.Caller, pool *credential.Pool, store *repository.VerificationRepository, logger *slog.Logger) *Verifier {
	return &Verifier{
		caller: caller,
		pool:   pool,
		store:  store,
		logger: logger.With("component", "verifier"),
	}
}

// Verify runs all checks, persists the result as an audit record, and only
// then returns it. can_proceed is true iff every check definitively passed.
func (v *Verifier) Verify(ctx context.Context, userID, accountGroup, accountID, proposedName string) (*models.VerificationResult, error) {
	result := &models.VerificationResult{
		UserID:       userID,
		AccountID:    accountID,
		ProposedName: proposedName,
	}
	var warnings, errs []string

	cred, token, err := v.pool.Acquire(ctx, accountGroup)
	if err != nil {
		// Without a credential no remote check can run; every check is
		// inconclusive except token validity, which is a hard failure when
		// the pool is empty.
		result.TokenValid = boolPtr(false)
		errs = append(errs, fmt.Sprintf("no usable credential for account group %s: %v", accountGroup, err))
		warnings = append(warnings,
			"account reachability not verified",
			"duplicate-name check not performed",
			"entity-count limit not verified")
		v.finish(ctx, result, warnings, errs)
		return result, nil
	}

	// Token validity.
	if err := v.caller.ValidateToken(ctx, token); err != nil {
		if errors.Is(err, platform.ErrInvalidCredential) {
			result.TokenValid = boolPtr(false)
			errs = append(errs, "the access token is expired or invalid")
			if derr := v.pool.Deactivate(ctx, cred.ID); derr != nil {
				v.logger.Error("failed to deactivate credential", "credential_id", cred.ID, "error", derr)
			}
		} else {
			warnings = append(warnings, fmt.Sprintf("token validation inconclusive: %v", err))
		}
	} else {
		result.TokenValid = boolPtr(true)
	}

	// Account reachability, suspension, and entity-count limit all come
	// from the same status call.
	status, err := v.caller.GetAccountStatus(ctx, token, accountID)
	switch {
	case err == nil:
		result.AccountReachable = boolPtr(true)
		result.AccountActive = boolPtr(!status.Suspended())
		result.UnderLimit = boolPtr(!status.AtLimit())
		result.CurrentCount = status.CampaignCount
		result.LimitCount = status.CampaignLimit
		if status.Suspended() {
			errs = append(errs, fmt.Sprintf("ad account %s is %s", accountID, status.Status))
		}
		if status.AtLimit() {
			errs = append(errs, fmt.Sprintf("ad account %s is at its campaign limit (%d/%d)",
				accountID, status.CampaignCount, status.CampaignLimit))
		}
	case isDefinitiveFailure(err):
		result.AccountReachable = boolPtr(false)
		errs = append(errs, fmt.Sprintf("ad account %s is not accessible: %v", accountID, err))
	default:
		warnings = append(warnings, fmt.Sprintf("account status check inconclusive: %v", err))
	}

	// Duplicate active campaign name.
	exists, err := v.caller.FindCampaignByName(ctx, token, accountID, proposedName)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("duplicate-name check inconclusive: %v", err))
	} else {
		result.NameAvailable = boolPtr(!exists)
		if exists {
			errs = append(errs, fmt.Sprintf("an active campaign named %q already exists on account %s",
				proposedName, accountID))
		}
	}

	v.finish(ctx, result, warnings, errs)
	return result, nil
}

// finish computes can_proceed, persists the audit row, and logs. The row
// is written before the caller learns the outcome.
func (v *Verifier) finish(ctx context.Context, result *models.VerificationResult, warnings, errs []string) {
	result.Warnings = models.EncodeStrings(warnings)
	result.Errors = models.EncodeStrings(errs)
	result.CanProceed = len(errs) == 0 &&
		isTrue(result.AccountReachable) &&
		isTrue(result.AccountActive) &&
		isTrue(result.NameAvailable) &&
		isTrue(result.UnderLimit) &&
		isTrue(result.TokenValid)

	if err := v.store.Create(ctx, result); err != nil {
		v.logger.Error("failed to persist verification", "account_id", result.AccountID, "error", err)
	}

	v.logger.Info("pre-creation verification finished",
		"account_id", result.AccountID,
		"proposed_name", result.ProposedName,
		"can_proceed", result.CanProceed,
		"errors", len(errs),
		"warnings", len(warnings),
	)
}

// isDefinitiveFailure distinguishes "the platform said no" from "we could
// not ask". Entity errors and auth errors are definitive; transport
// failures are not.
func isDefinitiveFailure(err error) bool {
	var entityErr *platform.EntityError
	if errors.As(err, &entityErr) {
		return true
	}
	return errors.Is(err, platform.ErrInvalidCredential)
}

func boolPtr(b bool) *bool { return &b }

func isTrue(b *bool) bool { return b != nil && *b }
