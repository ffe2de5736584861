package models

import "time"

// RequestStatus represents the lifecycle state of a queued request.
type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
	RequestCancelled  RequestStatus = "cancelled"
)

// ActionType identifies the remote platform operation a request performs.
type ActionType string

const (
	ActionCreateCampaign ActionType = "create_campaign"
	ActionCreateAdSet    ActionType = "create_adset"
	ActionCreateAd       ActionType = "create_ad"
	ActionUpdateCampaign ActionType = "update_campaign"
	ActionUpdateAdSet    ActionType = "update_adset"
	ActionUpdateAd       ActionType = "update_ad"
	ActionDuplicate      ActionType = "duplicate"
	ActionBatch          ActionType = "batch"
	ActionDelete         ActionType = "delete"
)

// Priority bounds. 1 is dispatched first.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// DefaultMaxAttempts is applied when a request is enqueued without an
// explicit attempt cap.
const DefaultMaxAttempts = 3

// QueuedRequest is a remote call that could not be dispatched immediately
// and waits for a quota window to open.
type QueuedRequest struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	AccountID    string        `json:"account_id"`
	AccountGroup string        `json:"account_group"`
	Action       ActionType    `json:"action"`
	Payload      string        `json:"payload"` // JSON, shape keyed by Action
	Priority     int           `json:"priority"`
	Status       RequestStatus `json:"status"`
	ProcessAfter time.Time     `json:"process_after"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	JobID        string        `json:"job_id,omitempty"`
	SlotID       string        `json:"slot_id,omitempty"`
	Result       string        `json:"result,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Eligible reports whether the request may be picked up by the processor.
func (r *QueuedRequest) Eligible(now time.Time) bool {
	return r.Status == RequestQueued && !r.ProcessAfter.After(now)
}

// RequestListFilter narrows queue listings.
type RequestListFilter struct {
	Status    RequestStatus
	AccountID string
	JobID     string
	Limit     int
	Offset    int
}

// QueueStats aggregates the request queue by status.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Total      int64 `json:"total"`
}
