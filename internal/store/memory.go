package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/domain"
)

// MemoryAgentStore is the non-durable agent backend, selected when
// STORE_BACKEND=memory. Mutations copy-on-write so callers never observe a
// record mid-update.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*domain.Agent)}
}

func copyAgent(a *domain.Agent) *domain.Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}

func (s *MemoryAgentStore) Create(ctx context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return ErrConflict
	}
	s.agents[a.ID] = copyAgent(a)
	return nil
}

func (s *MemoryAgentStore) Get(ctx context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

func (s *MemoryAgentStore) List(ctx context.Context) ([]*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, copyAgent(a))
	}
	return agents, nil
}

func (s *MemoryAgentStore) Update(ctx context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return ErrNotFound
	}
	s.agents[a.ID] = copyAgent(a)
	return nil
}

func (s *MemoryAgentStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(a.LastHeartbeat) {
		a.LastHeartbeat = at
	}
	return nil
}

func (s *MemoryAgentStore) SetStatus(ctx context.Context, id string, expected, next domain.AgentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.Status != expected {
		return false, nil
	}
	a.Status = next
	return true, nil
}

func (s *MemoryAgentStore) RecordAssigned(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastAssignedAt = at
	a.InFlight++
	return nil
}

func (s *MemoryAgentStore) RecordOutcome(ctx context.Context, id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	if a.InFlight > 0 {
		a.InFlight--
	}
	if success {
		a.Completed++
	} else {
		a.Failed++
	}
	return nil
}

func (s *MemoryAgentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// MemoryTaskStore is the non-durable task backend. Transition semantics
// mirror the Postgres store: compare-and-set on status, idempotent terminal
// re-application.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
	byKey map[string]uuid.UUID
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]*domain.Task),
		byKey: make(map[string]uuid.UUID),
	}
}

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	if t.FinishedAt != nil {
		at := *t.FinishedAt
		c.FinishedAt = &at
	}
	return &c
}

func (s *MemoryTaskStore) Create(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrConflict
	}
	if t.IdempotencyKey != "" {
		if _, ok := s.byKey[t.IdempotencyKey]; ok {
			return ErrConflict
		}
		s.byKey[t.IdempotencyKey] = t.ID
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryTaskStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(s.tasks[id]), nil
}

func (s *MemoryTaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			tasks = append(tasks, copyTask(t))
		}
	}
	return tasks, nil
}

func (s *MemoryTaskStore) Transition(ctx context.Context, id uuid.UUID, expected, next domain.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status == next && next.Terminal() {
		return true, nil
	}
	if t.Status != expected || !domain.ValidTransition(expected, next) {
		return false, nil
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	if next.Terminal() && t.FinishedAt == nil {
		at := t.UpdatedAt
		t.FinishedAt = &at
	}
	return true, nil
}

func (s *MemoryTaskStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	t.Attempts++
	t.UpdatedAt = time.Now().UTC()
	return t.Attempts, nil
}

func (s *MemoryTaskStore) RecordResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Result = append(json.RawMessage(nil), result...)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryTaskStore) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.FailureReason = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}
