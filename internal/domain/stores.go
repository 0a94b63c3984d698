package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AgentStore interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	// Update replaces the stored record for a.ID (stale re-registration).
	Update(ctx context.Context, a *Agent) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// SetStatus transitions status only when the stored value matches
	// expected; returns false on mismatch.
	SetStatus(ctx context.Context, id string, expected, next AgentStatus) (bool, error)
	RecordAssigned(ctx context.Context, id string, at time.Time) error
	RecordOutcome(ctx context.Context, id string, success bool) error
	Delete(ctx context.Context, id string) error
}

type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Task, error)
	ListByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
	// Transition applies expected -> next under compare-and-set. Returns
	// false when the stored status does not match expected. Re-applying the
	// terminal state a task is already in returns true without a write.
	Transition(ctx context.Context, id uuid.UUID, expected, next TaskStatus) (bool, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	RecordResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
}

type IdempotencyStore interface {
	// TryAccept atomically records the id, returning true only for the
	// first acceptance. Must be safe under concurrent callers on the same
	// id (compare-and-set, not read-then-write).
	TryAccept(ctx context.Context, messageID uuid.UUID) (bool, error)
	// MarkApplied records that processing for the id completed.
	MarkApplied(ctx context.Context, messageID uuid.UUID) error
	// PurgeExpired drops records older than the retention window.
	PurgeExpired(ctx context.Context) (int64, error)
}

// Delivery is one message handed to a consumer. Exactly one of Ack or Nack
// must be called; subsequent calls are no-ops.
type Delivery interface {
	Envelope() Envelope
	Ack()
	// Nack makes the message available for redelivery until its redelivery
	// budget is spent, after which it moves to the dead-letter path.
	Nack()
}

// Transport is the channel contract the core depends on. Queue topology
// (agent.<id> / type.<type>) is a binding concern of the implementation.
type Transport interface {
	Publish(ctx context.Context, queue string, env Envelope) error
	Subscribe(queue string) (<-chan Delivery, error)
	Close() error
}
