package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/domain"
)

func TestMemoryTaskStore_TransitionCAS(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	task := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.Transition(ctx, task.ID, domain.TaskPending, domain.TaskRouted)
	if err != nil || !ok {
		t.Fatalf("expected pending -> routed to apply, got ok=%v err=%v", ok, err)
	}

	// Stale expectation: status is routed now, not pending.
	ok, err = s.Transition(ctx, task.ID, domain.TaskPending, domain.TaskRouted)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("expected stale transition to be rejected")
	}

	// Invalid edge even with matching expectation.
	ok, err = s.Transition(ctx, task.ID, domain.TaskRouted, domain.TaskSucceeded)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("expected routed -> succeeded to be rejected by the state machine")
	}
}

func TestMemoryTaskStore_TerminalIdempotent(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	task := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending}
	_ = s.Create(ctx, task)
	_, _ = s.Transition(ctx, task.ID, domain.TaskPending, domain.TaskCancelled)

	got, _ := s.Get(ctx, task.ID)
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set on terminal transition")
	}
	finished := *got.FinishedAt

	// Re-applying the same terminal state succeeds without a write.
	ok, err := s.Transition(ctx, task.ID, domain.TaskPending, domain.TaskCancelled)
	if err != nil || !ok {
		t.Fatalf("expected terminal re-application to be a no-op success, got ok=%v err=%v", ok, err)
	}
	got, _ = s.Get(ctx, task.ID)
	if !got.FinishedAt.Equal(finished) {
		t.Fatal("terminal re-application must not move finished_at")
	}

	// A different terminal state is still rejected.
	ok, _ = s.Transition(ctx, task.ID, domain.TaskCancelled, domain.TaskFailed)
	if ok {
		t.Fatal("expected cancelled -> failed to be rejected")
	}
}

func TestMemoryTaskStore_IdempotencyKey(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	first := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending, IdempotencyKey: "k1"}
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending, IdempotencyKey: "k1"}
	if err := s.Create(ctx, dup); err != ErrConflict {
		t.Fatalf("expected ErrConflict for duplicate key, got %v", err)
	}

	got, err := s.GetByIdempotencyKey(ctx, "k1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.ID != first.ID {
		t.Fatal("expected lookup to return the first task")
	}

	if _, err := s.GetByIdempotencyKey(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryTaskStore_IncrementAttempts(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	task := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending}
	_ = s.Create(ctx, task)

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementAttempts(ctx, task.ID)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected attempts %d, got %d", want, got)
		}
	}
}

func TestMemoryAgentStore_HeartbeatMonotonic(t *testing.T) {
	s := NewMemoryAgentStore()
	ctx := context.Background()

	now := time.Now().UTC()
	agent := &domain.Agent{ID: "a1", Type: "echo", Status: domain.AgentActive, LastHeartbeat: now}
	if err := s.Create(ctx, agent); err != nil {
		t.Fatalf("create: %v", err)
	}

	// An older timestamp must not move the heartbeat backwards.
	if err := s.Heartbeat(ctx, "a1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := s.Get(ctx, "a1")
	if !got.LastHeartbeat.Equal(now) {
		t.Fatal("expected stale heartbeat to be ignored")
	}

	later := now.Add(time.Minute)
	_ = s.Heartbeat(ctx, "a1", later)
	got, _ = s.Get(ctx, "a1")
	if !got.LastHeartbeat.Equal(later) {
		t.Fatal("expected newer heartbeat to apply")
	}

	if err := s.Heartbeat(ctx, "missing", later); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryAgentStore_SetStatusCAS(t *testing.T) {
	s := NewMemoryAgentStore()
	ctx := context.Background()

	agent := &domain.Agent{ID: "a1", Type: "echo", Status: domain.AgentActive}
	_ = s.Create(ctx, agent)

	ok, err := s.SetStatus(ctx, "a1", domain.AgentActive, domain.AgentDraining)
	if err != nil || !ok {
		t.Fatalf("expected active -> draining to apply, got ok=%v err=%v", ok, err)
	}
	ok, err = s.SetStatus(ctx, "a1", domain.AgentActive, domain.AgentOffline)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched expectation to be rejected")
	}
}

func TestMemoryAgentStore_RecordOutcome(t *testing.T) {
	s := NewMemoryAgentStore()
	ctx := context.Background()

	agent := &domain.Agent{ID: "a1", Type: "echo", Status: domain.AgentActive}
	_ = s.Create(ctx, agent)

	at := time.Now().UTC()
	_ = s.RecordAssigned(ctx, "a1", at)
	_ = s.RecordOutcome(ctx, "a1", true)
	_ = s.RecordOutcome(ctx, "a1", false)

	got, _ := s.Get(ctx, "a1")
	if got.InFlight != 0 {
		t.Fatalf("expected in-flight to floor at zero, got %d", got.InFlight)
	}
	if got.Completed != 1 || got.Failed != 1 {
		t.Fatalf("unexpected counters: completed=%d failed=%d", got.Completed, got.Failed)
	}
	if !got.LastAssignedAt.Equal(at) {
		t.Fatal("expected last_assigned_at to be recorded")
	}
}
