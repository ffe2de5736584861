package models

import "time"

// CredentialKind distinguishes the default token from rotation backups.
type CredentialKind string

const (
	KindDefault    CredentialKind = "default"
	KindBackup     CredentialKind = "backup"
	KindSystemUser CredentialKind = "system_user"
)

// DefaultAccountGroup is used when a request names no credential group.
const DefaultAccountGroup = "default"

// Credential is a rotatable API identity for the ad platform.
// TokenSealed holds the secretbox-encrypted access token; the plaintext
// never touches the database.
type Credential struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	AccountGroup  string         `json:"account_group"`
	TokenSealed   string         `json:"-"`
	Kind          CredentialKind `json:"kind"`
	CallsUsed     int            `json:"calls_used"`
	CallsLimit    int            `json:"calls_limit"`
	WindowResetAt time.Time      `json:"window_reset_at"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// UsagePercent returns calls_used as a fraction of calls_limit.
func (c *Credential) UsagePercent() float64 {
	if c.CallsLimit <= 0 {
		return 1
	}
	return float64(c.CallsUsed) / float64(c.CallsLimit)
}

// Usable reports whether the credential can carry one more call at the
// given instant. A credential whose window has already expired is usable
// regardless of its stale counter; the pool resets it on acquire.
func (c *Credential) Usable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if !now.Before(c.WindowResetAt) {
		return true
	}
	return c.CallsUsed < c.CallsLimit
}

// CredentialUsage is the per-credential view exposed by the queue status API.
type CredentialUsage struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CallsUsed     int       `json:"calls_used"`
	CallsLimit    int       `json:"calls_limit"`
	UsagePercent  float64   `json:"usage_percent"`
	WindowResetAt time.Time `json:"window_reset_at"`
	Active        bool      `json:"active"`
}
