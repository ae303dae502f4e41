package saga

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusCreated      Status = "created"
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensated  Status = "compensated"
)

type Status string

func (s Status) String() string {
	return string(s)
}

// Terminal statuses are immutable, except failed which a step retry re-enters
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusRunning     StepStatus = "running"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusCompensated StepStatus = "compensated"
)

type StepStatus string

func (s StepStatus) String() string {
	return string(s)
}

// Execution is one saga instance: the mutable state the orchestrator drives
// through the lifecycle created -> running -> {completed | compensating ->
// compensated | failed}. All mutation happens in the orchestrator, which
// guarantees a single writer per saga uid in-process.
type Execution struct {
	UID               string                 `json:"uid"`
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	Status            Status                 `json:"status"`
	Context           map[string]interface{} `json:"context"`
	Steps             map[string]*StepState  `json:"steps"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	Metadata          map[string]string      `json:"metadata,omitempty"`
}

// StepState tracks one step of one execution
type StepState struct {
	Status     StepStatus  `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	RetryCount int         `json:"retry_count"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
}

func NewExecution(definition Definition, sagaCtx map[string]interface{}, metadata map[string]string) *Execution {
	if sagaCtx == nil {
		sagaCtx = make(map[string]interface{})
	}

	return &Execution{
		UID:               uuid.New().String(),
		DefinitionID:      definition.ID,
		DefinitionVersion: definition.Version,
		Status:            StatusCreated,
		Context:           sagaCtx,
		Steps:             make(map[string]*StepState),
		Metadata:          metadata,
	}
}

// StepState returns the state of a step, creating an implicit pending one
// if the step was never touched.
func (e *Execution) StepState(stepID string) *StepState {
	if e.Steps == nil {
		e.Steps = make(map[string]*StepState)
	}

	state, exists := e.Steps[stepID]
	if !exists {
		state = &StepState{Status: StepStatusPending}
		e.Steps[stepID] = state
	}

	return state
}

// StepCompleted reports whether the step reached completed status
func (e *Execution) StepCompleted(stepID string) bool {
	state, exists := e.Steps[stepID]
	return exists && state.Status == StepStatusCompleted
}

// ContextSnapshot returns a shallow copy of the saga context, safe to hand to
// a handler while other steps of the same wave may still be completing.
func (e *Execution) ContextSnapshot() map[string]interface{} {
	snapshot := make(map[string]interface{}, len(e.Context))
	for k, v := range e.Context {
		snapshot[k] = v
	}

	return snapshot
}

// LastActivityAt is the max of the saga's own start time and every step's
// start time, used by the monitor to detect stalled sagas.
func (e *Execution) LastActivityAt() time.Time {
	last := e.StartedAt

	for _, state := range e.Steps {
		if state.StartedAt != nil && state.StartedAt.After(last) {
			last = *state.StartedAt
		}
	}

	return last
}
