package models

import (
	"encoding/json"
	"time"
)

// JobState tracks a dispatched backend job.
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateInProgress JobState = "IN_PROGRESS"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
)

// ActionType names the operation a backend worker must perform.
type ActionType string

const (
	ActionIdentityCreate        ActionType = "IDENTITY_CREATE"
	ActionIdentityUpdate        ActionType = "IDENTITY_UPDATE"
	ActionIdentityDelete        ActionType = "IDENTITY_DELETE"
	ActionIdentityActivation    ActionType = "IDENTITY_ACTIVATION"
	ActionIdentityPasswordReset ActionType = "IDENTITY_PASSWORD_RESET"
)

// Job is the bookkeeping row for a dispatched backend action.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Action      ActionType      `json:"action" db:"action"`
	ConcernedID string          `json:"concernedId" db:"concerned_id"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	State       JobState        `json:"state" db:"state"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty" db:"processed_at"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty" db:"finished_at"`
}
