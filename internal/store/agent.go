package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskmesh/taskmesh/internal/domain"
)

type AgentStore struct {
	db *pgxpool.Pool
}

func NewAgentStore(db *pgxpool.Pool) *AgentStore {
	return &AgentStore{db: db}
}

func (s *AgentStore) Create(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO agents (id, type, capabilities, status, last_heartbeat, registered_at, last_assigned_at, in_flight, completed, failed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Type, a.Capabilities, a.Status, a.LastHeartbeat, a.RegisteredAt, a.LastAssignedAt, a.InFlight, a.Completed, a.Failed,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*domain.Agent, error) {
	a := &domain.Agent{}
	err := s.db.QueryRow(ctx,
		`SELECT id, type, capabilities, status, last_heartbeat, registered_at, last_assigned_at, in_flight, completed, failed
		 FROM agents WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Type, &a.Capabilities, &a.Status, &a.LastHeartbeat, &a.RegisteredAt, &a.LastAssignedAt, &a.InFlight, &a.Completed, &a.Failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *AgentStore) List(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, type, capabilities, status, last_heartbeat, registered_at, last_assigned_at, in_flight, completed, failed
		 FROM agents ORDER BY registered_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a := &domain.Agent{}
		if err := rows.Scan(&a.ID, &a.Type, &a.Capabilities, &a.Status, &a.LastHeartbeat, &a.RegisteredAt, &a.LastAssignedAt, &a.InFlight, &a.Completed, &a.Failed); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *AgentStore) Update(ctx context.Context, a *domain.Agent) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents
		 SET type = $2, capabilities = $3, status = $4, last_heartbeat = $5,
		     registered_at = $6, last_assigned_at = $7, in_flight = $8, completed = $9, failed = $10
		 WHERE id = $1`,
		a.ID, a.Type, a.Capabilities, a.Status, a.LastHeartbeat, a.RegisteredAt, a.LastAssignedAt, a.InFlight, a.Completed, a.Failed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *AgentStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET last_heartbeat = $2 WHERE id = $1 AND last_heartbeat < $2`,
		id, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish unknown agent from an out-of-order heartbeat.
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *AgentStore) SetStatus(ctx context.Context, id string, expected, next domain.AgentStatus) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET status = $3 WHERE id = $1 AND status = $2`,
		id, expected, next,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *AgentStore) RecordAssigned(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET last_assigned_at = $2, in_flight = in_flight + 1 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *AgentStore) RecordOutcome(ctx context.Context, id string, success bool) error {
	var query string
	if success {
		query = `UPDATE agents SET in_flight = GREATEST(in_flight - 1, 0), completed = completed + 1 WHERE id = $1`
	} else {
		query = `UPDATE agents SET in_flight = GREATEST(in_flight - 1, 0), failed = failed + 1 WHERE id = $1`
	}
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *AgentStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
