package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the pipeline stage an error originated from.
type Stage string

const (
	StageParse    Stage = "parse"
	StageFlow     Stage = "flow"
	StageThread   Stage = "thread"
	StageAnalysis Stage = "analysis"
	StageRouting  Stage = "routing"
	StageOutput   Stage = "output"
	StageNotify   Stage = "notify"
	StagePersist  Stage = "persist"
)

// ProcessingError is the pipeline's primary error type. Every stage wraps
// adapter and provider failures into one of these, stamped with its own
// stage name, so callers can always answer "which stage failed and is it
// worth retrying" without inspecting stack traces.
type ProcessingError struct {
	Stage     Stage
	Context   map[string]any
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return string(e.Stage) + ": processing failed"
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewProcessingError builds a ProcessingError for the given stage.
func NewProcessingError(stage Stage, retryable bool, err error) *ProcessingError {
	return &ProcessingError{Stage: stage, Retryable: retryable, Err: err}
}

// WithContext attaches a context key/value and returns the error for chaining.
func (e *ProcessingError) WithContext(key string, value any) *ProcessingError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// AsProcessingError unwraps err into a *ProcessingError if one is in the chain.
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable ProcessingError.
// Errors outside the taxonomy are never retried automatically.
func IsRetryable(err error) bool {
	if pe, ok := AsProcessingError(err); ok {
		return pe.Retryable
	}
	return false
}

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return "missing required fields: " + strings.Join(e.Missing, ", ")
	}
	return e.Reason
}

// NewValidationError reports the listed fields as missing.
func NewValidationError(missing ...string) *ValidationError {
	return &ValidationError{Missing: missing}
}
