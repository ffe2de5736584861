package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

// Classified error conditions. The dispatcher routes on these; everything
// else is treated as a transient transport failure.
var (
	// ErrQuotaExceeded means the platform signalled a rate limit for the
	// credential or account. Always retryable via the request queue.
	ErrQuotaExceeded = errors.New("platform quota exceeded")

	// ErrInvalidCredential means the token is expired or revoked.
	ErrInvalidCredential = errors.New("platform credential invalid")
)

// EntityError is a terminal entity-level failure (validation, duplicate,
// policy). Never retried by the queue.
type EntityError struct {
	Code    int
	Subcode int
	Message string
	UserMsg string
	Raw     string
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("platform entity error %d: %s", e.Code, e.Message)
}

// UserMessage returns the user-facing reason, falling back to the raw one.
func (e *EntityError) UserMessage() string {
	if e.UserMsg != "" {
		return e.UserMsg
	}
	return e.Message
}

// CallResult is a successful entity operation.
type CallResult struct {
	EntityID string `json:"id"`
}

// AccountStatus is the verifier's view of a target ad account.
type AccountStatus struct {
	ID            string `json:"id"`
	Status        string `json:"account_status"` // active, suspended, disabled
	CampaignCount int    `json:"campaign_count"`
	CampaignLimit int    `json:"campaign_limit"`
}

// Suspended reports whether the account may not create new entities.
func (s *AccountStatus) Suspended() bool {
	return s.Status != "active"
}

// AtLimit reports whether the account has hit its creation-count cap.
func (s *AccountStatus) AtLimit() bool {
	return s.CampaignLimit > 0 && s.CampaignCount >= s.CampaignLimit
}

// Caller is the remote ad-platform boundary. One implementation talks to
// the real API; tests substitute fakes.
type Caller interface {
	// PerformCall executes one entity operation and returns either a
	// result or a classified error.
	PerformCall(ctx context.Context, token string, action models.ActionType, accountID string, payload json.RawMessage) (*CallResult, error)

	// GetAccountStatus fetches reachability and creation-limit data for
	// the pre-creation verifier.
	GetAccountStatus(ctx context.Context, token, accountID string) (*AccountStatus, error)

	// FindCampaignByName reports whether an active campaign with the name
	// already exists on the account.
	FindCampaignByName(ctx context.Context, token, accountID, name string) (bool, error)

	// ValidateToken checks that the credential token is still accepted.
	ValidateToken(ctx context.Context, token string) error
}
