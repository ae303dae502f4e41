package saga

import (
	"context"
	"time"
)

const (
	executionsTableName = "saga_executions"
	sagaEventsTableName = "saga_events"
)

type FilterOption func(opts *filterOptions)

// Store persists saga executions and their append-only event log.
// GetByID returns (nil, nil) when the saga does not exist; callers decide
// whether that is fatal.
type Store interface {
	Create(ctx context.Context, execution *Execution) error
	GetByID(ctx context.Context, sagaUID string) (*Execution, error)
	Update(ctx context.Context, execution *Execution) error
	GetByFilter(ctx context.Context, filters ...FilterOption) ([]*Execution, error)
	// GetActive returns executions in a non-terminal status, for startup recovery
	GetActive(ctx context.Context) ([]*Execution, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// RecentlyCompleted returns the most recently finished completed sagas,
	// newest first, for the monitor's duration metrics
	RecentlyCompleted(ctx context.Context, limit int) ([]*Execution, error)

	AppendEvent(ctx context.Context, event Event) error
	Events(ctx context.Context, sagaUID string) ([]Event, error)
}

func WithStatus(status Status) FilterOption {
	return func(opts *filterOptions) {
		opts.status = status
	}
}

func WithDefinitionID(definitionID string) FilterOption {
	return func(opts *filterOptions) {
		opts.definitionID = definitionID
	}
}

// WithStartedBefore filters to sagas whose StartedAt is strictly before t
func WithStartedBefore(t time.Time) FilterOption {
	return func(opts *filterOptions) {
		opts.startedBefore = &t
	}
}

func WithOffsetAndLimit(offset, limit int) FilterOption {
	return func(opts *filterOptions) {
		opts.offset = &offset
		opts.limit = &limit
	}
}

type filterOptions struct {
	status        Status
	definitionID  string
	startedBefore *time.Time
	offset        *int
	limit         *int
}
