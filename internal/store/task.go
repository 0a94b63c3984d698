package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskmesh/taskmesh/internal/domain"
)

type TaskStore struct {
	db *pgxpool.Pool
}

func NewTaskStore(db *pgxpool.Pool) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `id, type, status, payload, result, required_capabilities, target_agent,
	COALESCE(idempotency_key, ''), trace_id, attempts, failure_reason, created_at, updated_at, finished_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	t := &domain.Task{}
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Payload, &t.Result, &t.RequiredCapabilities,
		&t.TargetAgent, &t.IdempotencyKey, &t.TraceID, &t.Attempts, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) Create(ctx context.Context, t *domain.Task) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO tasks (id, type, status, payload, required_capabilities, target_agent, idempotency_key, trace_id, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
		 RETURNING created_at, updated_at`,
		t.ID, t.Type, t.Status, t.Payload, t.RequiredCapabilities, t.TargetAgent, t.IdempotencyKey, t.TraceID, t.Attempts,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (s *TaskStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	return scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = $1`, key))
}

func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *TaskStore) Transition(ctx context.Context, id uuid.UUID, expected, next domain.TaskStatus) (bool, error) {
	if !domain.ValidTransition(expected, next) {
		return false, nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks
		 SET status = $3, updated_at = now(),
		     finished_at = CASE WHEN $4 THEN now() ELSE finished_at END
		 WHERE id = $1 AND status = $2`,
		id, expected, next, next.Terminal(),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Re-applying the terminal state the task is already in is a no-op.
	if next.Terminal() {
		t, err := s.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if t.Status == next {
			return true, nil
		}
	}
	return false, nil
}

func (s *TaskStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx,
		`UPDATE tasks SET attempts = attempts + 1, updated_at = now() WHERE id = $1 RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return attempts, nil
}

func (s *TaskStore) RecordResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET result = $2, updated_at = now() WHERE id = $1`,
		id, result,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *TaskStore) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET failure_reason = $2, updated_at = now() WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
