package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/store"
	"go.uber.org/zap"
)

// Orchestrator is the façade the inbound interface talks to: it validates
// submissions at the boundary, delegates routing to the scheduler, and
// serves status lookups from the task store.
type Orchestrator struct {
	tasks     domain.TaskStore
	scheduler *SchedulerService
	schemas   *domain.SchemaRegistry
	logger    *zap.Logger
}

func NewOrchestrator(tasks domain.TaskStore, scheduler *SchedulerService, schemas *domain.SchemaRegistry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		tasks:     tasks,
		scheduler: scheduler,
		schemas:   schemas,
		logger:    logger,
	}
}

var ErrTaskTypeMissing = errors.New("task type is required")

// SubmitTask validates the payload against the type's schema and hands the
// task to the scheduler. Malformed payloads are rejected here, before
// anything is persisted or published.
func (o *Orchestrator) SubmitTask(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	if req.Type == "" {
		return nil, ErrTaskTypeMissing
	}
	if err := o.schemas.Validate(req.Type, req.Payload); err != nil {
		return nil, err
	}
	return o.scheduler.Submit(ctx, req)
}

func (o *Orchestrator) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := o.tasks.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (o *Orchestrator) ListTasks(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	return o.tasks.ListByStatus(ctx, status)
}

func (o *Orchestrator) CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return o.scheduler.Cancel(ctx, id)
}
