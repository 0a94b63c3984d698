package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/store"
	"go.uber.org/zap"
)

var (
	ErrDuplicateAgent = errors.New("agent id already registered and active")
	ErrUnknownAgent   = errors.New("unknown agent")
)

const defaultHeartbeatTTL = 30 * time.Second

// RegistryService owns agent records: registration, liveness, and the
// eligibility ordering the scheduler routes against. No other component
// mutates agent state directly.
type RegistryService struct {
	agents       domain.AgentStore
	heartbeatTTL time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewRegistryService(agents domain.AgentStore, heartbeatTTL time.Duration, logger *zap.Logger) *RegistryService {
	if heartbeatTTL <= 0 {
		heartbeatTTL = defaultHeartbeatTTL
	}
	return &RegistryService{
		agents:       agents,
		heartbeatTTL: heartbeatTTL,
		logger:       logger,
		now:          time.Now,
	}
}

// Register creates an agent record from the descriptor. A colliding id is
// rejected only while its current registration is active and fresh; a stale
// registration is replaced in place.
func (s *RegistryService) Register(ctx context.Context, desc domain.AgentDescriptor) (*domain.Agent, error) {
	id := desc.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	agent := &domain.Agent{
		ID:            id,
		Type:          desc.Type,
		Capabilities:  desc.Capabilities,
		Status:        domain.AgentActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	err := s.agents.Create(ctx, agent)
	if err == nil {
		s.logger.Info("agent registered",
			zap.String("agent_id", id),
			zap.String("agent_type", desc.Type),
			zap.Strings("capabilities", desc.Capabilities),
		)
		return agent, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, err
	}

	existing, getErr := s.agents.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.EligibleAt(now, s.heartbeatTTL) {
		return nil, ErrDuplicateAgent
	}
	if err := s.agents.Update(ctx, agent); err != nil {
		return nil, err
	}
	s.logger.Info("stale agent registration replaced", zap.String("agent_id", id))
	return agent, nil
}

func (s *RegistryService) Heartbeat(ctx context.Context, id string) error {
	err := s.agents.Heartbeat(ctx, id, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownAgent
	}
	return err
}

func (s *RegistryService) Deregister(ctx context.Context, id string) error {
	err := s.agents.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownAgent
	}
	if err == nil {
		s.logger.Info("agent deregistered", zap.String("agent_id", id))
	}
	return err
}

func (s *RegistryService) Get(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := s.agents.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownAgent
	}
	return a, err
}

func (s *RegistryService) List(ctx context.Context) ([]*domain.Agent, error) {
	return s.agents.List(ctx)
}

// Drain marks an Active agent Draining so it stops receiving new work while
// finishing what it has.
func (s *RegistryService) Drain(ctx context.Context, id string) error {
	ok, err := s.agents.SetStatus(ctx, id, domain.AgentActive, domain.AgentDraining)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownAgent
	}
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.logger.Info("agent draining", zap.String("agent_id", id))
	return nil
}

// Find returns agents eligible for a task of the given type and required
// capabilities, in routing preference order. Expiry is evaluated lazily
// here; no sweep is required for correctness. An empty result is not an
// error.
func (s *RegistryService) Find(ctx context.Context, taskType string, requiredCaps []string) ([]*domain.Agent, error) {
	all, err := s.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var byCapability, byType []*domain.Agent
	for _, a := range all {
		if !a.EligibleAt(now, s.heartbeatTTL) {
			continue
		}
		if len(requiredCaps) > 0 && a.HasCapabilities(requiredCaps) {
			byCapability = append(byCapability, a)
		} else if a.Type == taskType {
			byType = append(byType, a)
		}
	}

	// Best-capability matches outrank type-only matches. Within each group:
	// least-recently-assigned first, registration order as the deterministic
	// fallback.
	sortAgents(byCapability)
	sortAgents(byType)
	return append(byCapability, byType...), nil
}

func sortAgents(agents []*domain.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if !agents[i].LastAssignedAt.Equal(agents[j].LastAssignedAt) {
			return agents[i].LastAssignedAt.Before(agents[j].LastAssignedAt)
		}
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
}

// RecordAssigned notes a routing decision for the fairness tie-break.
func (s *RegistryService) RecordAssigned(ctx context.Context, id string) error {
	return s.agents.RecordAssigned(ctx, id, s.now().UTC())
}

// RecordOutcome updates the agent's load counters after a delivery outcome.
func (s *RegistryService) RecordOutcome(ctx context.Context, id string, success bool) {
	if err := s.agents.RecordOutcome(ctx, id, success); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to record agent outcome", zap.String("agent_id", id), zap.Error(err))
	}
}

// MarkExpiredOffline flags agents whose heartbeat lapsed as Offline. For
// observability only; Find already ignores them.
func (s *RegistryService) MarkExpiredOffline(ctx context.Context) (int, error) {
	all, err := s.agents.List(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	marked := 0
	for _, a := range all {
		if a.Status != domain.AgentActive || now.Sub(a.LastHeartbeat) < s.heartbeatTTL {
			continue
		}
		ok, err := s.agents.SetStatus(ctx, a.ID, domain.AgentActive, domain.AgentOffline)
		if err != nil {
			s.logger.Warn("failed to mark agent offline", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		if ok {
			marked++
			s.logger.Info("agent marked offline", zap.String("agent_id", a.ID))
		}
	}
	return marked, nil
}
