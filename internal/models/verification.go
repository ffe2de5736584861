package models

import (
	"encoding/json"
	"time"
)

// VerificationResult is the persisted outcome of one pre-creation
// verification run. Each check is a tri-state: true, false, or nil when the
// check itself failed (network error) and was inconclusive. Rows are an
// audit trail and never mutated after insert.
type VerificationResult struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	AccountID        string    `json:"account_id"`
	ProposedName     string    `json:"proposed_name"`
	AccountReachable *bool     `json:"account_reachable"`
	AccountActive    *bool     `json:"account_active"` // false when suspended
	NameAvailable    *bool     `json:"name_available"` // false on duplicate
	UnderLimit       *bool     `json:"under_limit"`
	TokenValid       *bool     `json:"token_valid"`
	CanProceed       bool      `json:"can_proceed"`
	Warnings         string    `json:"-"` // JSON array
	Errors           string    `json:"-"` // JSON array
	CurrentCount     int       `json:"current_count"`
	LimitCount       int       `json:"limit_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// WarningList decodes the warnings column.
func (v *VerificationResult) WarningList() []string { return decodeStrings(v.Warnings) }

// ErrorList decodes the errors column.
func (v *VerificationResult) ErrorList() []string { return decodeStrings(v.Errors) }

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// EncodeStrings marshals a string slice for storage in a JSON column.
func EncodeStrings(in []string) string {
	if len(in) == 0 {
		return "[]"
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "[]"
	}
	return string(data)
}
