package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/saga"
)

type stubService struct {
	createResp *CreateResponse
	createErr  error
	status     *SagaStatus
	statusErr  error
	batch      *SagaBatch
	batchErr   error
	actionErr  error

	actions []string
}

func (s *stubService) Create(_ context.Context, req CreateRequest) (*CreateResponse, error) {
	return s.createResp, s.createErr
}

func (s *stubService) GetStatus(_ context.Context, sagaUID string) (*SagaStatus, error) {
	return s.status, s.statusErr
}

func (s *stubService) GetFilteredBy(_ context.Context, _ *Filters, _ *Pagination) (*SagaBatch, error) {
	return s.batch, s.batchErr
}

func (s *stubService) Retry(_ context.Context, sagaUID, stepID string) error {
	s.actions = append(s.actions, "retry:"+sagaUID+":"+stepID)
	return s.actionErr
}

func (s *stubService) Pause(_ context.Context, sagaUID string) error {
	s.actions = append(s.actions, "pause:"+sagaUID)
	return s.actionErr
}

func (s *stubService) Resume(_ context.Context, sagaUID string) error {
	s.actions = append(s.actions, "resume:"+sagaUID)
	return s.actionErr
}

func (s *stubService) Cancel(_ context.Context, sagaUID string) error {
	s.actions = append(s.actions, "cancel:"+sagaUID)
	return s.actionErr
}

func (s *stubService) Running(_ context.Context) ([]SagaStatus, error) {
	if s.batch == nil {
		return nil, s.batchErr
	}
	return s.batch.Items, s.batchErr
}

func newServer(service SagaService) *httptest.Server {
	mux := http.NewServeMux()
	NewSagaHandler(log.DefaultLogger(io.Discard), service).Register(mux)
	return httptest.NewServer(mux)
}

func TestCreateSaga(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		service := &stubService{createResp: &CreateResponse{SagaUID: "saga-1", Status: "created"}}
		server := newServer(service)
		defer server.Close()

		resp, err := http.Post(server.URL+"/sagas", "application/json",
			bytes.NewBufferString(`{"definition_id":"money-transfer","context":{"order_id":"o-1"}}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		var body CreateResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "saga-1", body.SagaUID)
	})

	t.Run("malformed body", func(t *testing.T) {
		server := newServer(&stubService{})
		defer server.Close()

		resp, err := http.Post(server.URL+"/sagas", "application/json", bytes.NewBufferString("{broken"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("service error carries its status", func(t *testing.T) {
		service := &stubService{createErr: NewResponseError(http.StatusBadRequest, errors.New("definition_id is required"))}
		server := newServer(service)
		defer server.Close()

		resp, err := http.Post(server.URL+"/sagas", "application/json", bytes.NewBufferString("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "definition_id is required", body["error"])
	})
}

func TestGetSaga(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		service := &stubService{status: &SagaStatus{SagaUID: "saga-1", Status: "completed"}}
		server := newServer(service)
		defer server.Close()

		resp, err := http.Get(server.URL + "/sagas/saga-1")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body SagaStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "completed", body.Status)
	})

	t.Run("not found", func(t *testing.T) {
		service := &stubService{statusErr: NewResponseError(http.StatusNotFound, errors.New("saga 'ghost' not found"))}
		server := newServer(service)
		defer server.Close()

		resp, err := http.Get(server.URL + "/sagas/ghost")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("empty id", func(t *testing.T) {
		server := newServer(&stubService{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/sagas/")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListSagas(t *testing.T) {
	t.Run("paginated", func(t *testing.T) {
		service := &stubService{batch: &SagaBatch{Total: 1, Items: []SagaStatus{{SagaUID: "saga-1"}}}}
		server := newServer(service)
		defer server.Close()

		resp, err := http.Get(server.URL + "/sagas?status=running&offset=0&limit=10")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("offset without limit", func(t *testing.T) {
		server := newServer(&stubService{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/sagas?offset=5")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("non numeric limit", func(t *testing.T) {
		server := newServer(&stubService{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/sagas?offset=5&limit=abc")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSagaActions(t *testing.T) {
	t.Run("retry", func(t *testing.T) {
		service := &stubService{}
		server := newServer(service)
		defer server.Close()

		resp, err := http.Post(server.URL+"/sagas/saga-1/retry", "application/json",
			bytes.NewBufferString(`{"step_id":"chargeCard"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"retry:saga-1:chargeCard"}, service.actions)
	})

	t.Run("pause resume cancel", func(t *testing.T) {
		service := &stubService{}
		server := newServer(service)
		defer server.Close()

		for _, action := range []string{"pause", "resume", "cancel"} {
			resp, err := http.Post(server.URL+"/sagas/saga-1/"+action, "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}

		assert.Equal(t, []string{"pause:saga-1", "resume:saga-1", "cancel:saga-1"}, service.actions)
	})

	t.Run("precondition failures map to conflict", func(t *testing.T) {
		service := &stubService{actionErr: NewResponseError(http.StatusConflict, errors.New("saga saga-1 already finished"))}
		server := newServer(service)
		defer server.Close()

		resp, err := http.Post(server.URL+"/sagas/saga-1/resume", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("unknown action", func(t *testing.T) {
		server := newServer(&stubService{})
		defer server.Close()

		resp, err := http.Post(server.URL+"/sagas/saga-1/explode", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("get on action path is not allowed", func(t *testing.T) {
		server := newServer(&stubService{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/sagas/saga-1/retry")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestRunningSagas(t *testing.T) {
	service := &stubService{batch: &SagaBatch{Items: []SagaStatus{{SagaUID: "saga-1", Status: "running"}}}}
	server := newServer(service)
	defer server.Close()

	resp, err := http.Get(server.URL + "/admin/sagas/running")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var items []SagaStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, "running", items[0].Status)
}

func TestGetInt(t *testing.T) {
	handler := NewSagaHandler(log.DefaultLogger(io.Discard), &stubService{})

	t.Run("get correct int", func(t *testing.T) {
		values := url.Values{"offset": []string{"2"}}

		intValue, err := handler.getInt(values, "offset")
		assert.NoError(t, err)
		require.NotNil(t, intValue)
		assert.Equal(t, 2, *intValue)
	})

	t.Run("get wrong int", func(t *testing.T) {
		values := url.Values{"offset": []string{"2.2"}}

		_, err := handler.getInt(values, "offset")
		assert.Error(t, err, "is expected to be an integer")
	})

	t.Run("get non-existing value", func(t *testing.T) {
		values := url.Values{}

		intValue, err := handler.getInt(values, "offset")
		assert.NoError(t, err)
		assert.Nil(t, intValue)
	})
}

func TestWrapOrchestratorErr(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, wrapOrchestratorErr(nil))
	})

	t.Run("no retry becomes conflict", func(t *testing.T) {
		err := wrapOrchestratorErr(saga.WithNoRetry(errors.New("already finished")))

		var respErr ResponseError
		require.True(t, errors.As(err, &respErr))
		assert.Equal(t, http.StatusConflict, respErr.Status())
	})

	t.Run("infra errors stay internal", func(t *testing.T) {
		err := wrapOrchestratorErr(errors.New("db down"))

		var respErr ResponseError
		assert.False(t, errors.As(err, &respErr))
	})
}
