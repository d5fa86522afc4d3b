package stores

import (
	"time"
)

// RunStatus is the persisted status of a reconciliation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is one persisted reconciliation run.
type RunRecord struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	DryRun      bool       `json:"dry_run"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`

	Total     int `json:"total"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ResultRecord is one persisted per-resource outcome within a run.
type ResultRecord struct {
	ID         int64  `json:"id"`
	RunID      string `json:"run_id"`
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
	Action     string `json:"action"`
	State      string `json:"state"`

	ErrorClass   *string `json:"error_class,omitempty"`
	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	// Changes is the field-level change set as a JSON blob.
	Changes string `json:"changes,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}
