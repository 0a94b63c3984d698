package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/taskmesh/taskmesh/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies one consumed delivery.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
	OutcomeDiscarded Outcome = "discarded"
)

const (
	defaultHandlerTimeout = 30 * time.Second

	breakerMaxFailures uint32 = 5
	breakerOpenFor            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

var errNoHandler = errors.New("no handler registered for target agent")

// WorkerService is the consumer side: it pulls routed envelopes, enforces
// idempotency and the handler timeout, invokes the agent handler through a
// per-agent circuit breaker, and reports the outcome back to the scheduler
// and task store.
type WorkerService struct {
	tasks     domain.TaskStore
	idem      domain.IdempotencyStore
	registry  *RegistryService
	scheduler *SchedulerService
	transport domain.Transport
	timeout   time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	handlers map[string]domain.Handler
	breakers map[string]*gobreaker.CircuitBreaker[*domain.Result]
	queues   []string

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewWorkerService(tasks domain.TaskStore, idem domain.IdempotencyStore, registry *RegistryService, scheduler *SchedulerService, transport domain.Transport, timeout time.Duration, logger *zap.Logger) *WorkerService {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	return &WorkerService{
		tasks:     tasks,
		idem:      idem,
		registry:  registry,
		scheduler: scheduler,
		transport: transport,
		timeout:   timeout,
		logger:    logger,
		handlers:  make(map[string]domain.Handler),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*domain.Result]),
	}
}

// RegisterHandler binds a local handler to an agent id and subscribes the
// worker to that agent's queues. Must be called before Start.
func (s *WorkerService) RegisterHandler(agent *domain.Agent, h domain.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[agent.ID] = h
	s.breakers[agent.ID] = s.newBreaker(agent.ID)
	s.queues = append(s.queues, domain.AgentQueue(agent.ID), domain.TypeQueue(agent.Type))
}

func (s *WorkerService) newBreaker(agentID string) *gobreaker.CircuitBreaker[*domain.Result] {
	return gobreaker.NewCircuitBreaker[*domain.Result](gobreaker.Settings{
		Name:        "agent:" + agentID,
		MaxRequests: 1, // one probe while half-open
		Interval:    breakerInterval,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsPermanent(err)
		},
	})
}

// Start launches one consume loop per subscribed queue and calls optional
// Start hooks on the registered handlers.
func (s *WorkerService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	s.group = g

	s.mu.Lock()
	queues := append([]string(nil), s.queues...)
	handlers := make([]domain.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		if starter, ok := h.(domain.Starter); ok {
			if err := starter.Start(ctx); err != nil {
				cancel()
				return fmt.Errorf("handler start: %w", err)
			}
		}
	}

	seen := make(map[string]struct{}, len(queues))
	for _, queue := range queues {
		if _, dup := seen[queue]; dup {
			continue
		}
		seen[queue] = struct{}{}

		deliveries, err := s.transport.Subscribe(queue)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", queue, err)
		}
		g.Go(func() error {
			return s.consumeLoop(runCtx, queue, deliveries)
		})
	}

	s.logger.Info("worker started", zap.Int("queues", len(seen)), zap.Duration("handler_timeout", s.timeout))
	return nil
}

// Stop halts the consume loops and calls optional Stop hooks.
func (s *WorkerService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}

	s.mu.Lock()
	handlers := make([]domain.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handlers {
		if stopper, ok := h.(domain.Stopper); ok {
			if err := stopper.Stop(ctx); err != nil {
				s.logger.Warn("handler stop failed", zap.Error(err))
			}
		}
	}
	s.logger.Info("worker stopped")
}

func (s *WorkerService) consumeLoop(ctx context.Context, queue string, deliveries <-chan domain.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			outcome := s.Consume(ctx, d)
			s.logger.Debug("delivery consumed",
				zap.String("queue", queue),
				zap.String("message_id", d.Envelope().ID.String()),
				zap.String("outcome", string(outcome)),
			)
		}
	}
}

// Consume processes one delivery to an outcome. At-least-once delivery plus
// the idempotency check here yields exactly-once processing within the
// dedup retention window.
func (s *WorkerService) Consume(ctx context.Context, d domain.Delivery) Outcome {
	env := d.Envelope()
	log := s.logger.With(
		zap.String("message_id", env.ID.String()),
		zap.String("task_id", env.TaskID.String()),
		zap.String("trace_id", env.TraceID),
		zap.String("agent_id", env.Target),
	)

	first, err := s.idem.TryAccept(ctx, env.ID)
	if err != nil {
		log.Error("idempotency check failed", zap.Error(err))
		d.Nack()
		return OutcomeTransient
	}
	if !first {
		// Duplicate delivery: acknowledge without touching the task.
		d.Ack()
		log.Info("duplicate message acknowledged")
		return OutcomeDuplicate
	}

	ok, err := s.tasks.Transition(ctx, env.TaskID, domain.TaskRouted, domain.TaskRunning)
	if err != nil {
		log.Error("transition to running failed", zap.Error(err))
		d.Nack()
		return OutcomeTransient
	}
	if !ok {
		// Cancelled or otherwise already moved on; drop the message.
		d.Ack()
		log.Info("stale delivery discarded")
		return OutcomeDiscarded
	}

	result, err := s.invoke(ctx, env)
	if err == nil {
		return s.succeed(ctx, d, env, result, log)
	}
	if domain.IsPermanent(err) {
		return s.failPermanent(ctx, d, env, err, log)
	}
	return s.failTransient(ctx, d, env, err, log)
}

// invoke runs the addressed agent's handler under the hard timeout, through
// that agent's circuit breaker. An open breaker fails fast as a transient
// error without reaching the handler.
func (s *WorkerService) invoke(ctx context.Context, env domain.Envelope) (*domain.Result, error) {
	s.mu.Lock()
	handler, ok := s.handlers[env.Target]
	breaker := s.breakers[env.Target]
	s.mu.Unlock()
	if !ok {
		return nil, domain.TransientError(errNoHandler)
	}

	result, err := breaker.Execute(func() (*domain.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		res, err := handler.Handle(callCtx, env)
		if err == nil && callCtx.Err() != nil {
			err = callCtx.Err()
		}
		return res, err
	})
	if err == nil {
		return result, nil
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, domain.TransientError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, domain.TransientError(fmt.Errorf("%s: %w", domain.ReasonHandlerTimeout, err))
	default:
		return nil, err
	}
}

func (s *WorkerService) succeed(ctx context.Context, d domain.Delivery, env domain.Envelope, result *domain.Result, log *zap.Logger) Outcome {
	// The CAS must win before anything is written: a task that went terminal
	// while the handler ran must not end up carrying this result.
	ok, err := s.tasks.Transition(ctx, env.TaskID, domain.TaskRunning, domain.TaskSucceeded)
	if err != nil {
		log.Error("transition to succeeded failed", zap.Error(err))
	}
	if err == nil && !ok {
		log.Info("late result discarded")
		d.Ack()
		return OutcomeDiscarded
	}
	if result != nil && len(result.Payload) > 0 {
		if err := s.tasks.RecordResult(ctx, env.TaskID, result.Payload); err != nil {
			log.Error("record result failed", zap.Error(err))
		}
	}
	if err := s.idem.MarkApplied(ctx, env.ID); err != nil {
		log.Warn("mark applied failed", zap.Error(err))
	}
	d.Ack()
	s.registry.RecordOutcome(ctx, env.Target, true)
	log.Info("task succeeded", zap.Int("attempts", env.Attempt))
	return OutcomeSucceeded
}

func (s *WorkerService) failTransient(ctx context.Context, d domain.Delivery, env domain.Envelope, cause error, log *zap.Logger) Outcome {
	d.Nack()
	s.registry.RecordOutcome(ctx, env.Target, false)
	s.scheduler.OnDeliveryFailure(ctx, env.TaskID, cause)
	log.Warn("transient handler failure", zap.Error(cause))
	return OutcomeTransient
}

func (s *WorkerService) failPermanent(ctx context.Context, d domain.Delivery, env domain.Envelope, cause error, log *zap.Logger) Outcome {
	// Same ordering as succeed: only a task we actually moved to Failed gets
	// this failure written onto it.
	ok, err := s.tasks.Transition(ctx, env.TaskID, domain.TaskRunning, domain.TaskFailed)
	if err != nil {
		log.Error("transition to failed failed", zap.Error(err))
	}
	if err == nil && !ok {
		log.Info("late failure discarded")
		d.Ack()
		return OutcomeDiscarded
	}
	if err := s.tasks.RecordFailure(ctx, env.TaskID, cause.Error()); err != nil {
		log.Error("record failure failed", zap.Error(err))
	}
	if err := s.idem.MarkApplied(ctx, env.ID); err != nil {
		log.Warn("mark applied failed", zap.Error(err))
	}
	d.Ack()
	s.registry.RecordOutcome(ctx, env.Target, false)
	log.Warn("permanent handler failure", zap.Error(cause))
	return OutcomePermanent
}
