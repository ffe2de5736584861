package models

import "time"

// FailureStatus tracks a failure record through manual recovery.
type FailureStatus string

const (
	FailureFailed    FailureStatus = "failed"
	FailureRetrying  FailureStatus = "retrying"
	FailureRecovered FailureStatus = "recovered"
	FailurePermanent FailureStatus = "permanent_failure"
)

// FailureRecord is the durable trace of an entity that ended in permanent
// failure, kept for manual inspection and recovery outside the job.
type FailureRecord struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id"`
	UserID       string        `json:"user_id"`
	CampaignID   string        `json:"campaign_id,omitempty"`
	AdSetID      string        `json:"adset_id,omitempty"`
	AdID         string        `json:"ad_id,omitempty"`
	EntityType   EntityType    `json:"entity_type"`
	RawReason    string        `json:"raw_reason"`
	UserReason   string        `json:"user_reason"`
	PlatformCode int           `json:"platform_code,omitempty"`
	RawPayload   string        `json:"-"` // full raw error payload
	RetryCount   int           `json:"retry_count"`
	Status       FailureStatus `json:"status"`
	RecoveredAt  *time.Time    `json:"recovered_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// FailureListFilter narrows failure-ledger listings.
type FailureListFilter struct {
	JobID  string
	UserID string
	Status FailureStatus
	Limit  int
	Offset int
}
