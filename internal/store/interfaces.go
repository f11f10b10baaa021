package store

import (
	"context"
	"errors"

	"tasklens.dev/processor/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned by TransitionStatus when the row's current
// status no longer matches the expected one, meaning another writer moved
// the discussion first.
var ErrStaleStatus = errors.New("stale status")

// DiscussionStore defines the contract for discussion record data access
type DiscussionStore interface {
	GetByID(ctx context.Context, id int64) (*model.Discussion, error)
	Create(ctx context.Context, d *model.Discussion) error
	Update(ctx context.Context, d *model.Discussion) error
	// TransitionStatus moves a discussion from one status to another only
	// if the stored status still equals from. Returns ErrStaleStatus on a
	// lost race.
	TransitionStatus(ctx context.Context, id int64, from, to model.DiscussionStatus) error
	ListByStatus(ctx context.Context, status model.DiscussionStatus, limit int) ([]model.Discussion, error)
}

// FlowStore defines the contract for flow configuration data access
type FlowStore interface {
	GetByID(ctx context.Context, id int64) (*model.Flow, error)
	// GetActiveByInput resolves the active flow bound to a source type and
	// team via its inputs. Returns ErrNotFound when no active flow matches.
	GetActiveByInput(ctx context.Context, sourceType, teamID string) (*model.Flow, *model.FlowInput, error)
	ListOutputs(ctx context.Context, flowID int64) ([]model.FlowOutput, error)
}
