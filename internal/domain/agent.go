package domain

import (
	"time"
)

type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentDraining AgentStatus = "draining"
	AgentOffline  AgentStatus = "offline"
)

// Agent is an addressable executor tracked by the registry. The registry is
// the only component that mutates agent records.
type Agent struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	Capabilities   []string    `json:"capabilities,omitempty"`
	Status         AgentStatus `json:"status"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	RegisteredAt   time.Time   `json:"registered_at"`
	LastAssignedAt time.Time   `json:"last_assigned_at,omitempty"`
	InFlight       int         `json:"in_flight"`
	Completed      int64       `json:"completed"`
	Failed         int64       `json:"failed"`
}

// AgentDescriptor is the registration request for a new agent.
type AgentDescriptor struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// EligibleAt reports whether the agent may receive new work: Active status
// and a heartbeat fresher than ttl.
func (a *Agent) EligibleAt(now time.Time, ttl time.Duration) bool {
	return a.Status == AgentActive && now.Sub(a.LastHeartbeat) < ttl
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
