package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Result is what an agent handler returns on success. A nil Result with a
// nil error is a valid "done, nothing to report" outcome.
type Result struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler is the agent-side contract. The core never inspects payload
// semantics beyond routing metadata.
type Handler interface {
	Handle(ctx context.Context, env Envelope) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env Envelope) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) (*Result, error) {
	return f(ctx, env)
}

// Lifecycle hooks are optional; the worker calls them when present.
type Starter interface {
	Start(ctx context.Context) error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

// HandlerError classifies a handler failure. Transient failures are retried
// with backoff; permanent failures fail the task immediately.
type HandlerError struct {
	Permanent bool
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent handler error: %v", e.Err)
	}
	return fmt.Sprintf("transient handler error: %v", e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TransientError wraps err as retryable.
func TransientError(err error) error {
	return &HandlerError{Permanent: false, Err: err}
}

// PermanentError wraps err as non-retryable.
func PermanentError(err error) error {
	return &HandlerError{Permanent: true, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
// Unclassified errors default to transient so unknown failures get retried.
func IsPermanent(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Permanent
	}
	return false
}
