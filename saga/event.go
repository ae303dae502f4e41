package saga

import (
	"time"

	"github.com/go-conductor/conductor/pubsub"
	"github.com/google/uuid"
)

const (
	EventSagaStarted     = "SagaStarted"
	EventStepCompleted   = "StepCompleted"
	EventStepFailed      = "StepFailed"
	EventSagaCompleted   = "SagaCompleted"
	EventSagaFailed      = "SagaFailed"
	EventSagaCompensated = "SagaCompensated"
	EventStepCompensated = "StepCompensated"
)

const (
	// TopicFamily is the root of all saga lifecycle topics; subscribe to the
	// family to receive every saga event
	TopicFamily = "saga"

	// TopicUrgent carries critical/high alerts for out-of-band paging
	TopicUrgent = "saga.urgent"

	// TopicReport carries the monitor's periodic reports
	TopicReport = "saga.report"
)

// Event is one saga state transition, append-only in the store's event log.
// The durable record of what happened to a saga is this sequence, not the
// final status alone.
type Event struct {
	UID        string                 `json:"uid"`
	SagaUID    string                 `json:"saga_uid"`
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

func NewEvent(sagaUID, eventType string, data map[string]interface{}) Event {
	return Event{
		UID:        uuid.New().String(),
		SagaUID:    sagaUID,
		Type:       eventType,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Topic returns the pub/sub topic of the event, "saga.{type}"
func (e Event) Topic() string {
	return TopicFamily + pubsub.Delimiter + e.Type
}
