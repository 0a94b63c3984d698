package service

import (
	"context"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/store"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *RegistryService {
	t.Helper()
	return NewRegistryService(store.NewMemoryAgentStore(), 30*time.Second, zap.NewNop())
}

func TestRegistryService_Register(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent, err := r.Register(ctx, domain.AgentDescriptor{Type: "echo", Capabilities: []string{"echo"}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.ID == "" {
		t.Fatal("expected a generated agent id")
	}
	if agent.Status != domain.AgentActive {
		t.Fatalf("expected active status, got %s", agent.Status)
	}
}

func TestRegistryService_RegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"})
	if err != ErrDuplicateAgent {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestRegistryService_RegisterReplacesStale(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := time.Now()
	r.now = func() time.Time { return base }
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The old registration's heartbeat has lapsed; the id is free to reuse.
	r.now = func() time.Time { return base.Add(time.Minute) }
	agent, err := r.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo", Capabilities: []string{"echo"}})
	if err != nil {
		t.Fatalf("expected stale registration to be replaced, got %v", err)
	}
	if len(agent.Capabilities) != 1 {
		t.Fatal("expected the replacement descriptor to win")
	}
}

func TestRegistryService_HeartbeatUnknown(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Heartbeat(context.Background(), "missing"); err != ErrUnknownAgent {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestRegistryService_FindPrefersCapabilityMatch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "typed", Type: "transform"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "capable", Type: "generic", Capabilities: []string{"transform", "validate"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	found, err := r.Find(ctx, "transform", []string{"transform"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(found))
	}
	// Capability superset outranks a bare type match regardless of agent type.
	if found[0].ID != "capable" {
		t.Fatalf("expected capability match first, got %s", found[0].ID)
	}
}

func TestRegistryService_FindOrdering(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := time.Now()
	r.now = func() time.Time { return base }
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "a", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.now = func() time.Time { return base.Add(time.Millisecond) }
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "b", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Neither has been assigned: registration order breaks the tie.
	found, _ := r.Find(ctx, "echo", nil)
	if len(found) != 2 || found[0].ID != "a" {
		t.Fatalf("expected a before b, got %v", agentIDs(found))
	}

	// After a takes an assignment, b is the least recently assigned.
	r.now = func() time.Time { return base.Add(time.Second) }
	if err := r.RecordAssigned(ctx, "a"); err != nil {
		t.Fatalf("record assigned: %v", err)
	}
	found, _ = r.Find(ctx, "echo", nil)
	if found[0].ID != "b" {
		t.Fatalf("expected b first after a was assigned, got %v", agentIDs(found))
	}
}

func TestRegistryService_FindSkipsExpiredAndDraining(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := time.Now()
	r.now = func() time.Time { return base }
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "stale", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.now = func() time.Time { return base.Add(29 * time.Second) }
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "fresh", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "draining", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Drain(ctx, "draining"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	r.now = func() time.Time { return base.Add(31 * time.Second) }
	found, err := r.Find(ctx, "echo", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0].ID != "fresh" {
		t.Fatalf("expected only the fresh active agent, got %v", agentIDs(found))
	}

	// A heartbeat restores eligibility without re-registering.
	if err := r.Heartbeat(ctx, "stale"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	found, _ = r.Find(ctx, "echo", nil)
	if len(found) != 2 {
		t.Fatalf("expected the revived agent back, got %v", agentIDs(found))
	}
}

func TestRegistryService_MarkExpiredOffline(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := time.Now()
	r.now = func() time.Time { return base }
	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.now = func() time.Time { return base.Add(time.Minute) }
	marked, err := r.MarkExpiredOffline(ctx)
	if err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 agent marked offline, got %d", marked)
	}
	agent, _ := r.Get(ctx, "a1")
	if agent.Status != domain.AgentOffline {
		t.Fatalf("expected offline, got %s", agent.Status)
	}

	// Second sweep finds nothing Active to flip.
	marked, _ = r.MarkExpiredOffline(ctx)
	if marked != 0 {
		t.Fatalf("expected idempotent sweep, got %d", marked)
	}
}

func TestRegistryService_Deregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deregister(ctx, "a1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := r.Deregister(ctx, "a1"); err != ErrUnknownAgent {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func agentIDs(agents []*domain.Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}
