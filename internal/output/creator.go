// Package output creates task records in downstream destinations. One
// creator per output type, dispatched through a registry the same way
// source adapters are.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tasklens.dev/processor/internal/domain"
)

// Creator turns one detected task into a record in a destination system.
// Calls are independent: a task routed to two outputs produces two task
// records, each with its own reference.
type Creator interface {
	OutputType() string
	CreateTask(ctx context.Context, task domain.DetectedTask, config json.RawMessage) (*domain.TaskRef, error)
}

// ErrUnknownOutputType is returned for an unregistered output type.
var ErrUnknownOutputType = errors.New("unknown output type")

// Registry maps an output-type identifier to its creator.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

func NewRegistry(creators ...Creator) *Registry {
	r := &Registry{creators: make(map[string]Creator)}
	for _, c := range creators {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[c.OutputType()] = c
}

func (r *Registry) Get(outputType string) (Creator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creators[outputType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutputType, outputType)
	}
	return c, nil
}
