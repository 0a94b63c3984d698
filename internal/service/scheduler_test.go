package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/broker"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/store"
	"go.uber.org/zap"
)

type schedulerFixture struct {
	tasks     *store.MemoryTaskStore
	registry  *RegistryService
	transport *broker.Broker
	scheduler *SchedulerService
}

func newSchedulerFixture(t *testing.T, cfg SchedulerConfig) *schedulerFixture {
	t.Helper()
	tasks := store.NewMemoryTaskStore()
	registry := NewRegistryService(store.NewMemoryAgentStore(), 30*time.Second, zap.NewNop())
	transport := broker.New(zap.NewNop())
	scheduler := NewSchedulerService(tasks, registry, transport, domain.NewSchemaRegistry(false), cfg, zap.NewNop())
	t.Cleanup(scheduler.Stop)
	return &schedulerFixture{tasks: tasks, registry: registry, transport: transport, scheduler: scheduler}
}

// longBackoff keeps retry timers from firing inside a test; Stop cancels them.
var longBackoff = SchedulerConfig{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour}

func TestSchedulerService_SubmitRoutes(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A type-only match is delivered on the shared type queue.
	deliveries, _ := f.transport.Subscribe(domain.TypeQueue("echo"))

	task, err := f.scheduler.Submit(ctx, SubmitRequest{Type: "echo", Payload: []byte(`{"message":"hi"}`), TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, _ := f.tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskRouted {
		t.Fatalf("expected routed, got %s", got.Status)
	}

	select {
	case d := <-deliveries:
		env := d.Envelope()
		if env.TaskID != task.ID {
			t.Fatal("expected the submitted task's envelope")
		}
		if env.Target != "a1" {
			t.Fatalf("expected target a1, got %s", env.Target)
		}
		if env.TraceID != "trace-1" {
			t.Fatalf("expected trace id to propagate, got %s", env.TraceID)
		}
	default:
		t.Fatal("expected an envelope on the agent queue")
	}

	updated, _ := f.registry.Get(ctx, "a1")
	if updated.InFlight != 1 {
		t.Fatalf("expected assignment recorded, in_flight=%d", updated.InFlight)
	}
}

func TestSchedulerService_SubmitIdempotencyKey(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := f.scheduler.Submit(ctx, SubmitRequest{Type: "echo", Payload: []byte(`{}`), IdempotencyKey: "order-42"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := f.scheduler.Submit(ctx, SubmitRequest{Type: "echo", Payload: []byte(`{}`), IdempotencyKey: "order-42"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("expected the same task for a repeated idempotency key")
	}
	if tasks, _ := f.tasks.ListByStatus(ctx, domain.TaskRouted); len(tasks) != 1 {
		t.Fatalf("expected a single task, got %d", len(tasks))
	}
}

func TestSchedulerService_CapabilityMatchUsesAgentQueue(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "generic", Capabilities: []string{"transform"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	agentDeliveries, _ := f.transport.Subscribe(domain.AgentQueue("a1"))
	typeDeliveries, _ := f.transport.Subscribe(domain.TypeQueue("transform"))

	if _, err := f.scheduler.Submit(ctx, SubmitRequest{Type: "transform", Payload: []byte(`{}`), RequiredCapabilities: []string{"transform"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-agentDeliveries:
	default:
		t.Fatal("expected a capability match on the agent's own queue")
	}
	select {
	case <-typeDeliveries:
		t.Fatal("capability match must not also hit the type queue")
	default:
	}
}

func TestSchedulerService_TargetAgentPreferred(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, domain.AgentDescriptor{ID: "a1", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.registry.Register(ctx, domain.AgentDescriptor{ID: "a2", Type: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	deliveries, _ := f.transport.Subscribe(domain.AgentQueue("a2"))

	// a1 would win on registration order, but the submission pins a2.
	if _, err := f.scheduler.Submit(ctx, SubmitRequest{Type: "echo", Payload: []byte(`{}`), TargetAgent: "a2"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-deliveries:
	default:
		t.Fatal("expected delivery to the targeted agent")
	}
}

func TestSchedulerService_UnroutableFailsAfterBudget(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerConfig{RoutingAttempts: 1, BackoffBase: time.Hour, BackoffCap: 2 * time.Hour})
	ctx := context.Background()

	// No agents registered: first routing round exhausts the budget.
	task, err := f.scheduler.Submit(ctx, SubmitRequest{Type: "echo", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, _ := f.tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.FailureReason != domain.ReasonUnroutable {
		t.Fatalf("expected reason %q, got %q", domain.ReasonUnroutable, got.FailureReason)
	}
}

func TestSchedulerService_TransientFailureRetries(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	ctx := context.Background()

	task := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending, Payload: []byte(`{}`)}
	_ = f.tasks.Create(ctx, task)
	_, _ = f.tasks.Transition(ctx, task.ID, domain.TaskPending, domain.TaskRouted)

	f.scheduler.OnDeliveryFailure(ctx, task.ID, errors.New("connection reset"))

	got, _ := f.tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskPending {
		t.Fatalf("expected the task back in pending, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", got.Attempts)
	}
}

func TestSchedulerService_AttemptsExhaustedDeadLetters(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerConfig{MaxAttempts: 2, BackoffBase: time.Hour, BackoffCap: 2 * time.Hour})
	ctx := context.Background()

	task := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending, Payload: []byte(`{}`)}
	_ = f.tasks.Create(ctx, task)

	for i := 0; i < 2; i++ {
		_, _ = f.tasks.Transition(ctx, task.ID, domain.TaskPending, domain.TaskRouted)
		f.scheduler.OnDeliveryFailure(ctx, task.ID, errors.New("timeout"))
	}

	got, _ := f.tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskDeadLettered {
		t.Fatalf("expected dead-lettered after the attempt budget, got %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", got.Attempts)
	}
	if !strings.HasPrefix(got.FailureReason, domain.ReasonAttemptsExceeded) {
		t.Fatalf("expected reason prefixed %q, got %q", domain.ReasonAttemptsExceeded, got.FailureReason)
	}
}

func TestSchedulerService_PermanentFailureFailsImmediately(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	ctx := context.Background()

	task := &domain.Task{ID: uuid.New(), Type: "echo", Status: domain.TaskPending, Payload: []byte(`{}`)}
	_ = f.tasks.Create(ctx, task)
	_, _ = f.tasks.Transition(ctx, task.ID, domain.TaskPending, domain.TaskRouted)

	f.scheduler.OnDeliveryFailure(ctx, task.ID, domain.PermanentError(errors.New("bad payload")))

	got, _ := f.tasks.Get(ctx, task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("permanent failure must not consume the retry budget, attempts=%d", got.Attempts)
	}
}

func TestSchedulerService_Cancel(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	ctx := context.Background()

	// No agents: the task stays pending with a routing retry timer armed.
	task, err := f.scheduler.Submit(ctx, SubmitRequest{Type: "echo", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelled, err := f.scheduler.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.FailureReason != domain.ReasonCancelled {
		t.Fatalf("expected reason %q, got %q", domain.ReasonCancelled, cancelled.FailureReason)
	}

	// Cancelling again is a no-op that returns the task unchanged.
	again, err := f.scheduler.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", again.Status)
	}
}

func TestSchedulerService_CancelUnknown(t *testing.T) {
	f := newSchedulerFixture(t, longBackoff)
	if _, err := f.scheduler.Cancel(context.Background(), uuid.New()); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSchedulerService_BackoffDelay(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerConfig{BackoffBase: 100 * time.Millisecond, BackoffCap: time.Second})

	for n := 0; n < 40; n++ {
		delay := f.scheduler.backoffDelay(n)
		if delay < 100*time.Millisecond {
			t.Fatalf("backoffDelay(%d) = %v below base", n, delay)
		}
		// Cap plus the jitter headroom bounds every delay.
		if delay >= time.Second+500*time.Millisecond {
			t.Fatalf("backoffDelay(%d) = %v above cap plus jitter", n, delay)
		}
	}

	// Early attempts grow: the floor of attempt n+1 exceeds the base of n.
	if f.scheduler.backoffDelay(2) < 100*time.Millisecond {
		t.Fatal("expected growth over the base delay")
	}
}
