package model

import (
	"errors"
	"fmt"
)

// ErrNoModel is returned when the AI configuration yields no selectable model.
var ErrNoModel = errors.New("no annotation model available")

// SchemaError reports a required column missing from the dataset.
type SchemaError struct {
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: required column %q is missing", e.Column)
}

// TransportError reports an unreachable or failing annotation endpoint.
type TransportError struct {
	ModelUID   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: model %s: status %d: %v", e.ModelUID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: model %s: %v", e.ModelUID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExhaustionError signals that every candidate model was excluded.
type ExhaustionError struct {
	Tried []string
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("exhaustion: no fallback model left after %v", e.Tried)
}

// PersistenceError reports a failed status or artifact write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FatalRunError is returned by a pipeline run whose stage failed.
type FatalRunError struct {
	DatasetID string
	Stage     Stage
	Err       error
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("run %s failed at %s: %v", e.DatasetID, e.Stage, e.Err)
}

func (e *FatalRunError) Unwrap() error { return e.Err }

// IsRetryable reports whether the outer retry primitive should re-invoke a
// failed run. Schema errors are deterministic and never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SchemaError
	if errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, ErrNoModel)
}
