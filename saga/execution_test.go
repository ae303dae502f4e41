package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecution(t *testing.T) {
	execution := NewExecution(validDefinition(), map[string]interface{}{"order_id": "o-1"}, map[string]string{"creator": "tester"})

	assert.NotEmpty(t, execution.UID)
	assert.Equal(t, "money-transfer", execution.DefinitionID)
	assert.Equal(t, StatusCreated, execution.Status)
	assert.Equal(t, "o-1", execution.Context["order_id"])
	assert.NotNil(t, execution.Steps)

	withoutCtx := NewExecution(validDefinition(), nil, nil)
	assert.NotNil(t, withoutCtx.Context)
}

func TestExecutionStepState(t *testing.T) {
	execution := NewExecution(validDefinition(), nil, nil)

	state := execution.StepState("a")
	assert.Equal(t, StepStatusPending, state.Status)

	state.Status = StepStatusCompleted
	assert.True(t, execution.StepCompleted("a"))
	assert.False(t, execution.StepCompleted("b"))
}

func TestExecutionContextSnapshot(t *testing.T) {
	execution := NewExecution(validDefinition(), map[string]interface{}{"order_id": "o-1"}, nil)

	snapshot := execution.ContextSnapshot()
	snapshot["order_id"] = "mutated"

	assert.Equal(t, "o-1", execution.Context["order_id"])
}

func TestExecutionLastActivityAt(t *testing.T) {
	execution := NewExecution(validDefinition(), nil, nil)
	execution.StartedAt = time.Now().UTC().Add(-time.Hour)

	assert.Equal(t, execution.StartedAt, execution.LastActivityAt())

	recent := time.Now().UTC().Add(-time.Minute)
	execution.Steps["a"] = &StepState{Status: StepStatusRunning, StartedAt: &recent}

	assert.Equal(t, recent, execution.LastActivityAt())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCompensated.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusCompensating.Terminal())
}

func TestExecutionSurvivesJSONRoundTrip(t *testing.T) {
	execution := NewExecution(validDefinition(), map[string]interface{}{"order_id": "o-1"}, nil)
	execution.Status = StatusRunning
	execution.StartedAt = time.Now().UTC().Truncate(time.Second)
	execution.StepState("a").Status = StepStatusCompleted
	execution.StepState("a").Result = "a-result"

	data, err := json.Marshal(execution)
	require.NoError(t, err)

	var restored Execution
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, execution.UID, restored.UID)
	assert.Equal(t, StatusRunning, restored.Status)
	assert.True(t, restored.StepCompleted("a"))
	assert.Equal(t, "a-result", restored.Steps["a"].Result)
	assert.Equal(t, execution.StartedAt, restored.StartedAt)
}
