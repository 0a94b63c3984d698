package domain

import (
	"time"

	"github.com/google/uuid"
)

type IdempotencyOutcome string

const (
	IdempotencyPending IdempotencyOutcome = "pending"
	IdempotencyApplied IdempotencyOutcome = "applied"
)

// IdempotencyRecord marks a message id as accepted for processing. Records
// live for a bounded retention window; after expiry a redelivered id is no
// longer deduplicated.
type IdempotencyRecord struct {
	MessageID  uuid.UUID          `json:"message_id"`
	AcceptedAt time.Time          `json:"accepted_at"`
	Outcome    IdempotencyOutcome `json:"outcome"`
}
