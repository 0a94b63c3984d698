package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskRouted       TaskStatus = "routed"
	TaskRunning      TaskStatus = "running"
	TaskSucceeded    TaskStatus = "succeeded"
	TaskFailed       TaskStatus = "failed"
	TaskDeadLettered TaskStatus = "dead_lettered"
	TaskCancelled    TaskStatus = "cancelled"
)

// Failure reasons recorded on terminal tasks.
const (
	ReasonUnroutable       = "unroutable"
	ReasonHandlerTimeout   = "handler_timeout"
	ReasonAttemptsExceeded = "attempts_exceeded"
	ReasonCancelled        = "cancelled"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskDeadLettered, TaskCancelled:
		return true
	}
	return false
}

// Task is the unit the external caller tracks. Envelopes are the units the
// transport moves; a task owns one envelope per delivery attempt.
type Task struct {
	ID                   uuid.UUID       `json:"id"`
	Type                 string          `json:"type"`
	Status               TaskStatus      `json:"status"`
	Payload              json.RawMessage `json:"payload"`
	Result               json.RawMessage `json:"result,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	TargetAgent          string          `json:"target_agent,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	TraceID              string          `json:"trace_id,omitempty"`
	Attempts             int             `json:"attempts"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty"`
}

// validTransitions is the task state machine. Terminal re-application is
// handled separately by the stores (same-terminal is a no-op, not an error).
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRouted, TaskFailed, TaskDeadLettered, TaskCancelled},
	TaskRouted:  {TaskRunning, TaskPending, TaskFailed, TaskCancelled},
	TaskRunning: {TaskSucceeded, TaskFailed, TaskPending},
}

// ValidTransition reports whether the state machine permits from -> to.
func ValidTransition(from, to TaskStatus) bool {
	if from == to && from.Terminal() {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
