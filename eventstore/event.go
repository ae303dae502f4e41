package eventstore

import (
	"fmt"
	"time"

	"github.com/go-conductor/conductor/pubsub"
	"github.com/pkg/errors"
)

// TopicDomainEvent is the catch-all topic every saved event is published on,
// in addition to its raw event type and "{aggregateType}.{eventType}".
const TopicDomainEvent = "domain.event"

// TopicReplayPrefix prefixes topics used when re-publishing historical events
const TopicReplayPrefix = "replay"

// Event is a single change of an aggregate, append-only once saved.
// EventVersion is gapless and strictly increasing per (AggregateID, AggregateType).
type Event struct {
	UID           string                 `json:"uid"`
	AggregateID   string                 `json:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type"`
	EventType     string                 `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int64                  `json:"event_version"`
	OccurredAt    time.Time              `json:"occurred_at"`
	UserID        string                 `json:"user_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
}

// TypedTopic returns the "{aggregateType}.{eventType}" topic of the event
func (e Event) TypedTopic() string {
	return e.AggregateType + pubsub.Delimiter + e.EventType
}

// Stream is an ordered slice of one aggregate's events plus its current version
type Stream struct {
	AggregateID   string  `json:"aggregate_id"`
	AggregateType string  `json:"aggregate_type"`
	Version       int64   `json:"version"`
	Events        []Event `json:"events"`
}

// Snapshot captures aggregate state at a version so readers can skip replaying
// the full stream. Multiple snapshots per aggregate are retained until pruned.
type Snapshot struct {
	UID              string                 `json:"uid"`
	AggregateID      string                 `json:"aggregate_id"`
	AggregateType    string                 `json:"aggregate_type"`
	AggregateVersion int64                  `json:"aggregate_version"`
	SnapshotData     map[string]interface{} `json:"snapshot_data"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Statistics is an observability roll-up over the whole store
type Statistics struct {
	TotalEvents        int64            `json:"total_events"`
	DistinctAggregates int64            `json:"distinct_aggregates"`
	ByAggregateType    map[string]int64 `json:"by_aggregate_type"`
	ByEventType        map[string]int64 `json:"by_event_type"`
	OldestEvent        *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent        *time.Time       `json:"newest_event,omitempty"`
}

// VersionMismatch is one aggregate whose stored counter diverged from its events
type VersionMismatch struct {
	AggregateID     string `json:"aggregate_id"`
	AggregateType   string `json:"aggregate_type"`
	CounterVersion  int64  `json:"counter_version"`
	MaxEventVersion int64  `json:"max_event_version"`
}

// Health is the result of a store health check
type Health struct {
	Healthy    bool              `json:"healthy"`
	Mismatches []VersionMismatch `json:"mismatches,omitempty"`
}

// ConcurrencyError signals that expectedVersion was stale. Callers are supposed
// to re-read the stream and retry with the fresh version, unlike infra errors.
type ConcurrencyError struct {
	AggregateID   string
	AggregateType string
	Expected      int64
	Actual        int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s of type %s: expected version %d, actual %d", e.AggregateID, e.AggregateType, e.Expected, e.Actual)
}

// IsConcurrencyError reports whether err is a ConcurrencyError anywhere in its chain
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}
