package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-conductor/conductor/saga"
)

type fakeStore struct {
	mutex      sync.Mutex
	executions map[string]*saga.Execution
	events     map[string][]saga.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: make(map[string]*saga.Execution),
		events:     make(map[string][]saga.Event),
	}
}

func (s *fakeStore) Create(_ context.Context, execution *saga.Execution) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.executions[execution.UID] = execution
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, sagaUID string) (*saga.Execution, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.executions[sagaUID], nil
}

func (s *fakeStore) Update(_ context.Context, execution *saga.Execution) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.executions[execution.UID] = execution
	return nil
}

func (s *fakeStore) GetByFilter(_ context.Context, filters ...saga.FilterOption) ([]*saga.Execution, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var out []*saga.Execution
	for _, execution := range s.executions {
		out = append(out, execution)
	}
	return out, nil
}

func (s *fakeStore) GetActive(_ context.Context) ([]*saga.Execution, error) { return nil, nil }

func (s *fakeStore) CountByStatus(_ context.Context) (map[saga.Status]int64, error) {
	return nil, nil
}

func (s *fakeStore) RecentlyCompleted(_ context.Context, _ int) ([]*saga.Execution, error) {
	return nil, nil
}

func (s *fakeStore) AppendEvent(_ context.Context, event saga.Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events[event.SagaUID] = append(s.events[event.SagaUID], event)
	return nil
}

func (s *fakeStore) Events(_ context.Context, sagaUID string) ([]saga.Event, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.events[sagaUID], nil
}

type fakeOrchestrator struct {
	mutex    sync.Mutex
	executed []string
}

func (f *fakeOrchestrator) Execute(_ context.Context, sagaUID string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.executed = append(f.executed, sagaUID)
	return nil
}

func (f *fakeOrchestrator) Compensate(context.Context, string, string) error { return nil }

func (f *fakeOrchestrator) Retry(context.Context, string, string) error { return nil }

func (f *fakeOrchestrator) Pause(context.Context, string) error { return nil }

func (f *fakeOrchestrator) Resume(context.Context, string) error { return nil }

func (f *fakeOrchestrator) Cancel(context.Context, string) error { return nil }

func (f *fakeOrchestrator) RecoverInflight(context.Context) error { return nil }

func (f *fakeOrchestrator) Start() {}

func (f *fakeOrchestrator) Stop() {}

func (f *fakeOrchestrator) executedSagas() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.executed...)
}

func transferDefinition() saga.Definition {
	return saga.Definition{
		ID:      "money-transfer",
		Version: 1,
		Steps: []saga.Step{
			{ID: "reserve", Action: "reserveFunds", Compensable: true},
			{ID: "charge", Action: "chargeCard", DependsOn: []string{"reserve"}},
		},
	}
}

func newService(t *testing.T) (SagaService, *fakeStore, *fakeOrchestrator) {
	t.Helper()

	store := newFakeStore()
	orchestrator := &fakeOrchestrator{}
	registry := saga.NewRegistry()
	require.NoError(t, registry.RegisterDefinition(transferDefinition()))

	return NewSagaService(store, registry, orchestrator), store, orchestrator
}

func TestServiceCreate(t *testing.T) {
	t.Run("persists and kicks off execution", func(t *testing.T) {
		service, store, orchestrator := newService(t)

		resp, err := service.Create(context.Background(), CreateRequest{
			DefinitionID: "money-transfer",
			Context:      map[string]interface{}{"order_id": "o-1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "created", resp.Status)

		saved, err := store.GetByID(context.Background(), resp.SagaUID)
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, "o-1", saved.Context["order_id"])

		// the version defaults to 1 when omitted
		assert.Equal(t, 1, saved.DefinitionVersion)

		assert.Eventually(t, func() bool {
			executed := orchestrator.executedSagas()
			return len(executed) == 1 && executed[0] == resp.SagaUID
		}, time.Second, time.Millisecond*10)
	})

	t.Run("missing definition id", func(t *testing.T) {
		service, _, _ := newService(t)

		_, err := service.Create(context.Background(), CreateRequest{})

		var respErr ResponseError
		require.True(t, errors.As(err, &respErr))
		assert.Equal(t, http.StatusBadRequest, respErr.Status())
	})

	t.Run("unknown definition", func(t *testing.T) {
		service, _, _ := newService(t)

		_, err := service.Create(context.Background(), CreateRequest{DefinitionID: "ghost"})

		var respErr ResponseError
		require.True(t, errors.As(err, &respErr))
		assert.Equal(t, http.StatusBadRequest, respErr.Status())
	})
}

func TestServiceGetStatus(t *testing.T) {
	service, store, _ := newService(t)

	execution := saga.NewExecution(transferDefinition(), nil, nil)
	require.NoError(t, store.Create(context.Background(), execution))
	require.NoError(t, store.AppendEvent(context.Background(), saga.NewEvent(execution.UID, saga.EventSagaStarted, nil)))

	status, err := service.GetStatus(context.Background(), execution.UID)
	require.NoError(t, err)
	assert.Equal(t, "created", status.Status)
	require.Len(t, status.Events, 1)
	assert.Equal(t, saga.EventSagaStarted, status.Events[0].Type)

	_, err = service.GetStatus(context.Background(), "ghost")
	var respErr ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusNotFound, respErr.Status())
}

func TestServiceActionsRequireExistingSaga(t *testing.T) {
	service, store, _ := newService(t)

	err := service.Cancel(context.Background(), "ghost")

	var respErr ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusNotFound, respErr.Status())

	execution := saga.NewExecution(transferDefinition(), nil, nil)
	require.NoError(t, store.Create(context.Background(), execution))

	assert.NoError(t, service.Cancel(context.Background(), execution.UID))
	assert.NoError(t, service.Pause(context.Background(), execution.UID))
}

func TestServiceGetFilteredBy(t *testing.T) {
	service, store, _ := newService(t)

	execution := saga.NewExecution(transferDefinition(), nil, nil)
	require.NoError(t, store.Create(context.Background(), execution))

	t.Run("no filters and no pagination", func(t *testing.T) {
		_, err := service.GetFilteredBy(context.Background(), &Filters{}, nil)

		var respErr ResponseError
		require.True(t, errors.As(err, &respErr))
		assert.Equal(t, http.StatusBadRequest, respErr.Status())
	})

	t.Run("filtered", func(t *testing.T) {
		batch, err := service.GetFilteredBy(context.Background(), &Filters{Status: "created"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, batch.Total)
	})
}
