package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the immutable transport unit. Its ID doubles as the
// idempotency key for delivery dedup. The scheduler creates one envelope per
// delivery attempt; a redelivered envelope keeps its ID, a retried attempt
// gets a fresh one.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Sender        string          `json:"sender,omitempty"`
	Target        string          `json:"target,omitempty"`
	TaskID        uuid.UUID       `json:"task_id"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schema_version"`
	TraceID       string          `json:"trace_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewEnvelope builds an envelope for one delivery attempt of a task. The
// trace id is propagated from the submission, never regenerated per hop.
func NewEnvelope(task *Task, target string, traceID string, schemaVersion int) Envelope {
	return Envelope{
		ID:            uuid.New(),
		Type:          task.Type,
		Sender:        "scheduler",
		Target:        target,
		TaskID:        task.ID,
		Attempt:       task.Attempts,
		Payload:       task.Payload,
		SchemaVersion: schemaVersion,
		TraceID:       traceID,
		CreatedAt:     time.Now().UTC(),
	}
}

// Queue naming for the channel binding: one queue per agent, one per type.
func AgentQueue(agentID string) string { return "agent." + agentID }
func TypeQueue(agentType string) string { return "type." + agentType }
