package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskmesh/taskmesh/internal/domain"
)

// IdempotencyStore is the durable dedup backend. Acceptance is a single
// INSERT ... ON CONFLICT DO NOTHING, so concurrent callers on the same id
// race at the unique index, not in application code.
type IdempotencyStore struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

func NewIdempotencyStore(db *pgxpool.Pool, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{db: db, ttl: ttl}
}

func (s *IdempotencyStore) TryAccept(ctx context.Context, messageID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO idempotency_records (message_id, accepted_at, outcome)
		 VALUES ($1, now(), $2)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, domain.IdempotencyPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *IdempotencyStore) MarkApplied(ctx context.Context, messageID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE idempotency_records SET outcome = $2 WHERE message_id = $1`,
		messageID, domain.IdempotencyApplied,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	tag, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_records WHERE accepted_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
