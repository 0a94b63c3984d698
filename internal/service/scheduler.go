package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/store"
	"go.uber.org/zap"
)

var ErrTaskNotFound = errors.New("task not found")

const dispatchTimeout = 10 * time.Second

// SchedulerConfig bounds the retry behavior. Zero values fall back to the
// defaults below.
type SchedulerConfig struct {
	// MaxAttempts is the transient-failure budget before dead-lettering.
	MaxAttempts int
	// RoutingAttempts is how many times routing is tried before a task
	// fails as unroutable.
	RoutingAttempts int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

func (c *SchedulerConfig) withDefaults() SchedulerConfig {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.RoutingAttempts <= 0 {
		out.RoutingAttempts = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 250 * time.Millisecond
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 5 * time.Second
	}
	return out
}

// SubmitRequest is an inbound task submission.
type SubmitRequest struct {
	Type                 string          `json:"type"`
	Payload              json.RawMessage `json:"payload"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	TargetAgent          string          `json:"target_agent,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	TraceID              string          `json:"-"`
}

// SchedulerService creates tasks, selects routes, publishes envelopes, and
// applies the retry policy on delivery failures. Retry timers live on the
// scheduler so a publish outlives the failing call that requested it.
type SchedulerService struct {
	tasks     domain.TaskStore
	registry  *RegistryService
	transport domain.Transport
	schemas   *domain.SchemaRegistry
	cfg       SchedulerConfig
	logger    *zap.Logger

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewSchedulerService(tasks domain.TaskStore, registry *RegistryService, transport domain.Transport, schemas *domain.SchemaRegistry, cfg SchedulerConfig, logger *zap.Logger) *SchedulerService {
	return &SchedulerService{
		tasks:     tasks,
		registry:  registry,
		transport: transport,
		schemas:   schemas,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		timers:    make(map[uuid.UUID]*time.Timer),
	}
}

// Stop cancels pending retry timers and waits for in-flight dispatches.
func (s *SchedulerService) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit creates a Pending task and routes it. A repeated idempotency key
// returns the existing task instead of creating a duplicate, whether that
// task is still in flight or already terminal.
func (s *SchedulerService) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.tasks.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	task := &domain.Task{
		ID:                   uuid.New(),
		Type:                 req.Type,
		Status:               domain.TaskPending,
		Payload:              req.Payload,
		RequiredCapabilities: req.RequiredCapabilities,
		TargetAgent:          req.TargetAgent,
		IdempotencyKey:       req.IdempotencyKey,
		TraceID:              req.TraceID,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
			// Lost the race to a concurrent submit with the same key.
			return s.tasks.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	s.logger.Info("task submitted",
		zap.String("task_id", task.ID.String()),
		zap.String("task_type", task.Type),
		zap.String("trace_id", task.TraceID),
	)
	s.dispatch(ctx, task.ID, 0)
	return task, nil
}

// dispatch routes one publish attempt for a Pending task. routingAttempt
// counts consecutive no-eligible-agent rounds.
func (s *SchedulerService) dispatch(ctx context.Context, taskID uuid.UUID, routingAttempt int) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		s.logger.Error("dispatch: task lookup failed", zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}
	if task.Status != domain.TaskPending {
		return
	}

	agent, err := s.selectAgent(ctx, task)
	if err != nil {
		s.logger.Error("dispatch: agent lookup failed", zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}
	if agent == nil {
		s.handleUnroutable(ctx, task, routingAttempt)
		return
	}

	ok, err := s.tasks.Transition(ctx, task.ID, domain.TaskPending, domain.TaskRouted)
	if err != nil || !ok {
		if err != nil {
			s.logger.Error("dispatch: transition failed", zap.String("task_id", taskID.String()), zap.Error(err))
		}
		return
	}

	env := domain.NewEnvelope(task, agent.ID, task.TraceID, s.schemas.Version(task.Type))
	if err := s.registry.RecordAssigned(ctx, agent.ID); err != nil {
		s.logger.Warn("dispatch: failed to record assignment", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	queue := routeQueue(task, agent)
	if err := s.transport.Publish(ctx, queue, env); err != nil {
		s.logger.Warn("publish failed",
			zap.String("task_id", taskID.String()),
			zap.String("queue", queue),
			zap.Error(err),
		)
		s.OnDeliveryFailure(ctx, taskID, domain.TransientError(err))
		return
	}

	s.logger.Info("task routed",
		zap.String("task_id", taskID.String()),
		zap.String("agent_id", agent.ID),
		zap.String("queue", queue),
		zap.String("message_id", env.ID.String()),
		zap.Int("attempt", env.Attempt),
	)
}

// routeQueue picks the delivery queue for the routing decision: explicitly
// targeted or capability-matched work goes to the agent's own queue, while a
// type-only match is published on the shared type queue so agents of that
// type compete for it.
func routeQueue(task *domain.Task, agent *domain.Agent) string {
	if task.TargetAgent == agent.ID {
		return domain.AgentQueue(agent.ID)
	}
	if len(task.RequiredCapabilities) > 0 && agent.HasCapabilities(task.RequiredCapabilities) {
		return domain.AgentQueue(agent.ID)
	}
	return domain.TypeQueue(task.Type)
}

// selectAgent applies the routing policy: explicit target if eligible, then
// best-capability match, then type-only match. Returns nil when no agent is
// eligible.
func (s *SchedulerService) selectAgent(ctx context.Context, task *domain.Task) (*domain.Agent, error) {
	if task.TargetAgent != "" {
		agent, err := s.registry.Get(ctx, task.TargetAgent)
		if err == nil && agent.EligibleAt(time.Now(), s.registry.heartbeatTTL) {
			return agent, nil
		}
		if err != nil && !errors.Is(err, ErrUnknownAgent) {
			return nil, err
		}
	}
	candidates, err := s.registry.Find(ctx, task.Type, task.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

func (s *SchedulerService) handleUnroutable(ctx context.Context, task *domain.Task, routingAttempt int) {
	next := routingAttempt + 1
	if next >= s.cfg.RoutingAttempts {
		ok, err := s.tasks.Transition(ctx, task.ID, domain.TaskPending, domain.TaskFailed)
		if err != nil {
			s.logger.Error("unroutable: transition failed", zap.String("task_id", task.ID.String()), zap.Error(err))
			return
		}
		if ok {
			if err := s.tasks.RecordFailure(ctx, task.ID, domain.ReasonUnroutable); err != nil {
				s.logger.Error("unroutable: record failure", zap.String("task_id", task.ID.String()), zap.Error(err))
			}
			s.logger.Warn("task unroutable",
				zap.String("task_id", task.ID.String()),
				zap.String("task_type", task.Type),
				zap.Int("routing_attempts", next),
			)
		}
		return
	}
	s.schedule(task.ID, s.backoffDelay(routingAttempt), func(ctx context.Context) {
		s.dispatch(ctx, task.ID, next)
	})
}

// OnDeliveryFailure applies the retry policy after a failed delivery or
// handler invocation. Permanent causes fail the task immediately; transient
// causes return it to Pending with backoff until the attempt budget runs
// out, then dead-letter it.
func (s *SchedulerService) OnDeliveryFailure(ctx context.Context, taskID uuid.UUID, cause error) {
	if domain.IsPermanent(cause) {
		s.failPermanently(ctx, taskID, cause)
		return
	}

	attempts, err := s.tasks.IncrementAttempts(ctx, taskID)
	if err != nil {
		s.logger.Error("retry: increment attempts failed", zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}

	returned := false
	for _, from := range []domain.TaskStatus{domain.TaskRunning, domain.TaskRouted} {
		ok, err := s.tasks.Transition(ctx, taskID, from, domain.TaskPending)
		if err != nil {
			s.logger.Error("retry: transition failed", zap.String("task_id", taskID.String()), zap.Error(err))
			return
		}
		if ok {
			returned = true
			break
		}
	}
	if !returned {
		// Already terminal (e.g. cancelled); nothing to retry.
		return
	}

	if attempts >= s.cfg.MaxAttempts {
		ok, err := s.tasks.Transition(ctx, taskID, domain.TaskPending, domain.TaskDeadLettered)
		if err != nil {
			s.logger.Error("dead-letter: transition failed", zap.String("task_id", taskID.String()), zap.Error(err))
			return
		}
		if ok {
			if err := s.tasks.RecordFailure(ctx, taskID, domain.ReasonAttemptsExceeded+": "+cause.Error()); err != nil {
				s.logger.Error("dead-letter: record failure", zap.String("task_id", taskID.String()), zap.Error(err))
			}
			s.logger.Warn("task dead-lettered",
				zap.String("task_id", taskID.String()),
				zap.Int("attempts", attempts),
				zap.String("cause", cause.Error()),
			)
		}
		return
	}

	delay := s.backoffDelay(attempts)
	s.logger.Info("task retry scheduled",
		zap.String("task_id", taskID.String()),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.String("cause", cause.Error()),
	)
	s.schedule(taskID, delay, func(ctx context.Context) {
		s.dispatch(ctx, taskID, 0)
	})
}

func (s *SchedulerService) failPermanently(ctx context.Context, taskID uuid.UUID, cause error) {
	for _, from := range []domain.TaskStatus{domain.TaskRunning, domain.TaskRouted, domain.TaskPending} {
		ok, err := s.tasks.Transition(ctx, taskID, from, domain.TaskFailed)
		if err != nil {
			s.logger.Error("fail: transition failed", zap.String("task_id", taskID.String()), zap.Error(err))
			return
		}
		if ok {
			if err := s.tasks.RecordFailure(ctx, taskID, cause.Error()); err != nil {
				s.logger.Error("fail: record failure", zap.String("task_id", taskID.String()), zap.Error(err))
			}
			return
		}
	}
}

// Cancel moves a Pending or Routed task to Cancelled. Once the task is
// Running or terminal it is left untouched; a handler already invoked may
// finish, and its late result is discarded by the worker.
func (s *SchedulerService) Cancel(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	for _, from := range []domain.TaskStatus{domain.TaskPending, domain.TaskRouted} {
		ok, err := s.tasks.Transition(ctx, taskID, from, domain.TaskCancelled)
		if err != nil {
			return nil, err
		}
		if ok {
			s.cancelTimer(taskID)
			if err := s.tasks.RecordFailure(ctx, taskID, domain.ReasonCancelled); err != nil {
				s.logger.Error("cancel: record failure", zap.String("task_id", taskID.String()), zap.Error(err))
			}
			s.logger.Info("task cancelled", zap.String("task_id", taskID.String()))
			break
		}
	}
	task, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// backoffDelay is min(base * 2^n, cap) plus jitter in [0, delay/2).
func (s *SchedulerService) backoffDelay(n int) time.Duration {
	delay := s.cfg.BackoffCap
	if n < 32 {
		if d := s.cfg.BackoffBase << uint(n); d > 0 && d < s.cfg.BackoffCap {
			delay = d
		}
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half))
	}
	return delay
}

// schedule runs fn after delay unless the scheduler stops first. One timer
// per task: a task has at most one outstanding retry.
func (s *SchedulerService) schedule(taskID uuid.UUID, delay time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[taskID]; ok {
		prev.Stop()
	}
	s.timers[taskID] = time.AfterFunc(delay, func() {
		// The waitgroup only tracks callbacks that actually run; a timer
		// stopped before firing must not leave Stop waiting.
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, taskID)
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (s *SchedulerService) cancelTimer(taskID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}
