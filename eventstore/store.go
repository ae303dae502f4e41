package eventstore

import (
	"context"
	"time"
)

// Store is a durable, versioned, replayable event log per aggregate.
//
// SaveEvents is the only write path for events and runs its optimistic
// concurrency check and all inserts in one transaction; the rest are
// read-only queries plus snapshot lifecycle.
type Store interface {
	SaveEvents(ctx context.Context, aggregateID, aggregateType string, events []Event, expectedVersion int64) error
	GetEventStream(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) (*Stream, error)
	GetEventsForAggregates(ctx context.Context, aggregateIDs []string, aggregateType string, from, to *time.Time) ([]Event, error)
	GetEventsByType(ctx context.Context, eventTypes []string, from *time.Time, limit int) ([]Event, error)

	CreateSnapshot(ctx context.Context, snapshot Snapshot) error
	GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*Snapshot, error)
	CleanupOldSnapshots(ctx context.Context, aggregateID, aggregateType string, keepCount int) (int64, error)

	Replay(ctx context.Context, aggregateType string, from *time.Time, batchSize int) (int, error)
	Statistics(ctx context.Context) (*Statistics, error)
	HealthCheck(ctx context.Context) (*Health, error)
}
