package service

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/taskmesh/taskmesh/internal/domain"
	"go.uber.org/zap"
)

const (
	sweepRunTimeout      = 30 * time.Second
	defaultRoutedTimeout = 2 * time.Minute
)

var errStalledDelivery = errors.New("routed delivery stalled")

// SweeperService periodically marks heartbeat-expired agents Offline, purges
// expired idempotency records, and rescues tasks stuck in Routed whose
// delivery was never consumed (an agent with no handler in this process, or a
// queue lost with its consumer). Rescue feeds the normal retry policy, so a
// task that keeps stalling eventually dead-letters instead of sitting in
// Routed forever. Routing eligibility never depends on the sweep; it is
// evaluated lazily at lookup time.
type SweeperService struct {
	registry      *RegistryService
	tasks         domain.TaskStore
	scheduler     *SchedulerService
	idem          domain.IdempotencyStore
	schedule      string
	routedTimeout time.Duration
	logger        *zap.Logger
	cron          *cron.Cron
}

func NewSweeperService(registry *RegistryService, tasks domain.TaskStore, scheduler *SchedulerService, idem domain.IdempotencyStore, schedule string, routedTimeout time.Duration, logger *zap.Logger) *SweeperService {
	if routedTimeout <= 0 {
		routedTimeout = defaultRoutedTimeout
	}
	return &SweeperService{
		registry:      registry,
		tasks:         tasks,
		scheduler:     scheduler,
		idem:          idem,
		schedule:      schedule,
		routedTimeout: routedTimeout,
		logger:        logger,
		cron:          cron.New(),
	}
}

func (s *SweeperService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sweeper started",
		zap.String("schedule", s.schedule),
		zap.Duration("routed_timeout", s.routedTimeout),
	)
	return nil
}

func (s *SweeperService) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

func (s *SweeperService) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepRunTimeout)
	defer cancel()

	marked, err := s.registry.MarkExpiredOffline(ctx)
	if err != nil {
		s.logger.Error("sweep failed to mark expired agents", zap.Error(err))
	} else if marked > 0 {
		s.logger.Info("marked expired agents offline", zap.Int("count", marked))
	}

	purged, err := s.idem.PurgeExpired(ctx)
	if err != nil {
		s.logger.Error("sweep failed to purge idempotency records", zap.Error(err))
	} else if purged > 0 {
		s.logger.Info("purged expired idempotency records", zap.Int64("count", purged))
	}

	s.rescueRouted(ctx)
}

// rescueRouted hands tasks that have sat in Routed past the timeout back to
// the retry policy.
func (s *SweeperService) rescueRouted(ctx context.Context) {
	routed, err := s.tasks.ListByStatus(ctx, domain.TaskRouted)
	if err != nil {
		s.logger.Error("sweep failed to list routed tasks", zap.Error(err))
		return
	}
	now := time.Now()
	for _, t := range routed {
		age := now.Sub(t.UpdatedAt)
		if age < s.routedTimeout {
			continue
		}
		s.logger.Warn("rescuing stalled routed task",
			zap.String("task_id", t.ID.String()),
			zap.Duration("age", age),
		)
		s.scheduler.OnDeliveryFailure(ctx, t.ID, domain.TransientError(errStalledDelivery))
	}
}
