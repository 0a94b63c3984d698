// Package agents holds the built-in agents that ship with the server.
package agents

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/domain"
)

const (
	EchoType       = "echo"
	EchoCapability = "echo"
)

// Echo returns the inbound payload unchanged as the task result. It exists
// to validate the full message path end to end: submit, route, deliver,
// dedup, invoke, persist.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

// Descriptor returns the registration descriptor for an echo instance.
func (e *Echo) Descriptor(id string) domain.AgentDescriptor {
	return domain.AgentDescriptor{
		ID:           id,
		Type:         EchoType,
		Capabilities: []string{EchoCapability},
	}
}

func (e *Echo) Handle(ctx context.Context, env domain.Envelope) (*domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.TransientError(err)
	}
	return &domain.Result{Payload: env.Payload}, nil
}
