package model

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an asynchronous transformation job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobRetrying  JobState = "retrying"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job represents one asynchronous transformation request. State only
// changes through the job manager; terminal states are final and durable.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	SourceID        uuid.UUID       `json:"source_id"`
	Operations      []OperationSpec `json:"operations"` // as requested, pre-canonicalization, kept for audit
	OutputFormat    string          `json:"output_format"`
	State           JobState        `json:"state"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error,omitempty"`
	ArtifactID      *uuid.UUID      `json:"artifact_id,omitempty"` // set atomically with the succeeded transition
	CancelRequested bool            `json:"cancel_requested"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"` // backoff deadline while retrying
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// JobNotification is the queue message telling workers a job is pending.
// Delivery is at-least-once; claiming is idempotent so redelivery of an
// already running or terminal job is a no-op.
type JobNotification struct {
	JobID uuid.UUID `json:"job_id"`
}
