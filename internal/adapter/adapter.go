// Package adapter defines the capability contract every external source
// implements, and the registry that dispatches on source type. Each adapter
// normalizes its source's wire format into the pipeline's canonical shapes
// and performs the narrow set of write-back operations the pipeline needs.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tasklens.dev/processor/internal/domain"
)

// SourceConfig carries the per-call credentials and endpoint for one source
// binding. It is passed explicitly into every adapter call so concurrent
// discussions with different configs cannot interfere.
type SourceConfig struct {
	BaseURL string            `json:"baseUrl,omitempty"`
	Token   string            `json:"token"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Status is the coarse pipeline state an adapter maps to a source-native
// visual indicator (reaction, emoji, status field).
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ValidationResult reports configuration problems found outside the hot path.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Adapter is the fixed capability set one external source implements.
//
// PostReply and UpdateStatus are best-effort: they return false rather than
// an error for recoverable failures (rate limits, transient 5xx) so the
// orchestrator can treat notification as non-fatal.
type Adapter interface {
	SourceType() string

	// ParseIncoming normalizes a raw inbound payload. It must resolve a
	// team id and fail descriptively when the payload cannot be mapped to
	// one. No network I/O beyond identity resolution.
	ParseIncoming(payload []byte, headers map[string]string) (*domain.ParsedDiscussion, error)

	// FetchThread returns the full thread context, handling pagination
	// internally. The reply list is complete and ordered.
	FetchThread(ctx context.Context, threadID string, cfg SourceConfig) (*domain.DiscussionThread, error)

	PostReply(ctx context.Context, threadID, message string, cfg SourceConfig) (bool, error)
	UpdateStatus(ctx context.Context, threadID string, status Status, cfg SourceConfig) (bool, error)

	// ValidateConfig and TestConnection serve the configuration surface,
	// not the processing hot path.
	ValidateConfig(cfg SourceConfig) ValidationResult
	TestConnection(ctx context.Context, cfg SourceConfig) (bool, error)
}

// AdapterError is a source-specific failure. Retryable marks rate limits
// and transient upstream errors; everything else is a data or config problem.
type AdapterError struct {
	SourceType string
	Op         string
	Retryable  bool
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter %s: %v", e.SourceType, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// AsAdapterError unwraps err into an *AdapterError if one is in the chain.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ErrUnknownSourceType is returned by the registry for an unregistered
// source type. It is a configuration error, never a retryable one.
var ErrUnknownSourceType = errors.New("unknown source type")

// Registry maps a source-type identifier to its adapter instance. Later
// pipeline stages look adapters up here instead of hard-coding
// source-specific logic.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter, replacing any previous one for the same type.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.SourceType()] = a
}

// Get returns the adapter for sourceType.
func (r *Registry) Get(sourceType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, sourceType)
	}
	return a, nil
}

// SourceTypes lists the registered types in stable order.
func (r *Registry) SourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
