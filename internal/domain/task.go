package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TaskType is the kind of work a bot is asked to perform.
type TaskType string

const (
	TaskIssueAssigned    TaskType = "issue_assigned"
	TaskReviewRequested  TaskType = "review_requested"
	TaskCommentRequested TaskType = "comment_requested"
	TaskVoteRequested    TaskType = "vote_requested"
)

// Valid reports whether t is one of the recognized task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskIssueAssigned, TaskReviewRequested, TaskCommentRequested, TaskVoteRequested:
		return true
	}
	return false
}

// ReferenceType is the kind of object a task concerns.
type ReferenceType string

const (
	RefWorkItem ReferenceType = "work_item"
	RefProposal ReferenceType = "proposal"
	RefComment  ReferenceType = "comment"
)

// Valid reports whether r is one of the recognized reference types.
func (r ReferenceType) Valid() bool {
	switch r {
	case RefWorkItem, RefProposal, RefComment:
		return true
	}
	return false
}

// Task is the core domain entity: one deliverable unit of bot work.
// Payload is opaque to the queue and forwarded verbatim to the endpoint.
type Task struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	ParticipantID  string          `json:"ai_participant_id"`
	Type           TaskType        `json:"task_type"`
	ReferenceType  ReferenceType   `json:"reference_type,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
