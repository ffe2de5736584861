package models

import "time"

// EntityType identifies what kind of remote entity a slot tracks.
type EntityType string

const (
	EntityCampaign EntityType = "campaign"
	EntityAdSet    EntityType = "adset"
	EntityAd       EntityType = "ad"
)

// SlotStatus is the per-entity creation state. A slot moves
// pending -> creating -> {created | failed}; created and failed may move to
// rolled_back, and rolled_back is final.
type SlotStatus string

const (
	SlotPending    SlotStatus = "pending"
	SlotCreating   SlotStatus = "creating"
	SlotCreated    SlotStatus = "created"
	SlotFailed     SlotStatus = "failed"
	SlotRolledBack SlotStatus = "rolled_back"
)

// DefaultSlotRetryCap bounds creation attempts for a single slot within one
// drive pass.
const DefaultSlotRetryCap = 3

// Slot is the unit of idempotent tracking for one entity inside a job.
// (JobID, SlotNumber, EntityType) is unique; the slot ledger is the sole
// source of truth for what already exists remotely.
type Slot struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	SlotNumber  int        `json:"slot_number"`
	EntityType  EntityType `json:"entity_type"`
	Name        string     `json:"name"`
	RemoteID    string     `json:"remote_id,omitempty"`
	Status      SlotStatus `json:"status"`
	Payload     string     `json:"-"` // JSON creation payload
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Satisfied reports whether the remote entity for this slot already exists
// and creation must be skipped on retry.
func (s *Slot) Satisfied() bool {
	return s.RemoteID != ""
}
