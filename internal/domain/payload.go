package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// PayloadSchema declares the payload shape for one task type. Validation
// happens once, at the orchestrator boundary; malformed payloads never enter
// the pipeline.
type PayloadSchema struct {
	Version  int
	Validate func(payload json.RawMessage) error
}

// SchemaRegistry maps task types to their payload schemas. Types without a
// registered schema accept any well-formed JSON object.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]PayloadSchema
	strict  bool
}

// NewSchemaRegistry returns a registry. When strict is true, submissions for
// unregistered task types are rejected with ErrUnknownTaskType.
func NewSchemaRegistry(strict bool) *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]PayloadSchema), strict: strict}
}

func (r *SchemaRegistry) Register(taskType string, schema PayloadSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[taskType] = schema
}

// Version returns the schema version for taskType, or 1 when none is
// registered.
func (r *SchemaRegistry) Version(taskType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemas[taskType]; ok {
		return s.Version
	}
	return 1
}

// Validate checks payload against the schema for taskType.
func (r *SchemaRegistry) Validate(taskType string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[taskType]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
		}
		return validateObject(payload)
	}
	if schema.Validate == nil {
		return validateObject(payload)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func validateObject(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// RequireFields returns a validator that checks payload is a JSON object
// containing every named field.
func RequireFields(fields ...string) func(json.RawMessage) error {
	return func(payload json.RawMessage) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return err
		}
		for _, f := range fields {
			if _, ok := obj[f]; !ok {
				return fmt.Errorf("missing field %q", f)
			}
		}
		return nil
	}
}
