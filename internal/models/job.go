package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a bulk-creation job. Status only
// moves forward; rolled_back is reachable from in_progress or failed.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRolledBack JobStatus = "rolled_back"
)

// Terminal reports whether the status admits no further transitions other
// than rollback.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobRolledBack
}

// DefaultRetryBudget caps how many times the drive loop is re-invoked for
// one job before it fails and rolls back.
const DefaultRetryBudget = 5

// Job is one bulk-creation request: a parent campaign plus its requested
// ad sets and ads.
type Job struct {
	ID                string    `json:"id"`
	Owner             string    `json:"owner"`
	AccountID         string    `json:"account_id"`
	AccountGroup      string    `json:"account_group"`
	ParentName        string    `json:"parent_name"`
	RequestedAdSets   int       `json:"requested_adsets"`
	RequestedAds      int       `json:"requested_ads"`
	Status            JobStatus `json:"status"`
	ChildrenCreated   int       `json:"children_created"`
	RetryCount        int       `json:"retry_count"`
	RetryBudget       int       `json:"retry_budget"`
	LastError         string    `json:"last_error,omitempty"`
	ErrorHistory      string    `json:"-"` // JSON array, append-only
	RollbackTriggered bool      `json:"rollback_triggered"`
	RollbackReason    string    `json:"rollback_reason,omitempty"`
	ParentRemoteID    string    `json:"parent_remote_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RequestedChildren is the total child slot count for the job.
func (j *Job) RequestedChildren() int {
	return j.RequestedAdSets + j.RequestedAds
}

// Errors decodes the append-only error history.
func (j *Job) Errors() []string {
	if j.ErrorHistory == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(j.ErrorHistory), &out); err != nil {
		return nil
	}
	return out
}

// AppendError records a new entry in the error history and updates
// last_error.
func (j *Job) AppendError(msg string) {
	j.LastError = msg
	hist := append(j.Errors(), msg)
	data, err := json.Marshal(hist)
	if err != nil {
		return
	}
	j.ErrorHistory = string(data)
}

// JobListFilter narrows job listings.
type JobListFilter struct {
	Owner     string
	AccountID string
	Status    JobStatus
	Limit     int
	Offset    int
}
