package api

import (
	"context"
	"net/http"

	"github.com/go-conductor/conductor/saga"
	"github.com/pkg/errors"
)

type CreateRequest struct {
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	Context           map[string]interface{} `json:"context"`
	Metadata          map[string]string      `json:"metadata"`
}

type CreateResponse struct {
	SagaUID string `json:"saga_uid"`
	Status  string `json:"status"`
}

type SagaStatus struct {
	SagaUID string          `json:"saga_uid"`
	Status  string          `json:"status"`
	Saga    *saga.Execution `json:"saga"`
	Events  []saga.Event    `json:"events"`
}

type SagaBatch struct {
	Total int          `json:"total"`
	Items []SagaStatus `json:"items"`
}

type Pagination struct {
	Offset int
	Limit  int
}

type Filters struct {
	Status       string
	DefinitionID string
}

// SagaService is the surface the HTTP handlers talk to. Execution of a
// created saga happens asynchronously; Create returns as soon as the initial
// record is persisted.
type SagaService interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	GetStatus(ctx context.Context, sagaUID string) (*SagaStatus, error)
	GetFilteredBy(ctx context.Context, filters *Filters, pagination *Pagination) (*SagaBatch, error)
	Retry(ctx context.Context, sagaUID, stepID string) error
	Pause(ctx context.Context, sagaUID string) error
	Resume(ctx context.Context, sagaUID string) error
	Cancel(ctx context.Context, sagaUID string) error
	Running(ctx context.Context) ([]SagaStatus, error)
}

func NewSagaService(store saga.Store, registry *saga.Registry, orchestrator saga.Orchestrator) SagaService {
	return &sagaService{store: store, registry: registry, orchestrator: orchestrator}
}

type sagaService struct {
	store        saga.Store
	registry     *saga.Registry
	orchestrator saga.Orchestrator
}

func (s *sagaService) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if req.DefinitionID == "" {
		return nil, NewResponseError(http.StatusBadRequest, errors.New("definition_id is required"))
	}

	version := req.DefinitionVersion
	if version == 0 {
		version = 1
	}

	definition, err := s.registry.Definition(req.DefinitionID, version)
	if err != nil {
		return nil, NewResponseError(http.StatusBadRequest, err)
	}

	execution := saga.NewExecution(definition, req.Context, req.Metadata)

	if err := s.store.Create(ctx, execution); err != nil {
		return nil, errors.Wrapf(err, "persisting saga '%s'", execution.UID)
	}

	// outcome of the async run is persisted on the execution itself
	go func() {
		_ = s.orchestrator.Execute(context.Background(), execution.UID)
	}()

	return &CreateResponse{SagaUID: execution.UID, Status: execution.Status.String()}, nil
}

func (s *sagaService) GetStatus(ctx context.Context, sagaUID string) (*SagaStatus, error) {
	execution, err := s.store.GetByID(ctx, sagaUID)

	if err != nil {
		return nil, errors.Wrapf(err, "error loading saga '%s'", sagaUID)
	}

	if execution == nil {
		return nil, NewResponseError(http.StatusNotFound, errors.Errorf("saga '%s' not found", sagaUID))
	}

	events, err := s.store.Events(ctx, sagaUID)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading events of saga '%s'", sagaUID)
	}

	return &SagaStatus{
		SagaUID: sagaUID,
		Status:  execution.Status.String(),
		Saga:    execution,
		Events:  events,
	}, nil
}

func (s *sagaService) GetFilteredBy(ctx context.Context, filters *Filters, pagination *Pagination) (*SagaBatch, error) {
	var opts []saga.FilterOption

	if filters.Status != "" {
		opts = append(opts, saga.WithStatus(saga.Status(filters.Status)))
	}

	if filters.DefinitionID != "" {
		opts = append(opts, saga.WithDefinitionID(filters.DefinitionID))
	}

	if len(opts) == 0 && pagination == nil {
		return nil, NewResponseError(http.StatusBadRequest, errors.Errorf("Either filters or pagination must be specified"))
	}

	if pagination != nil {
		opts = append(opts, saga.WithOffsetAndLimit(pagination.Offset, pagination.Limit))
	}

	executions, err := s.store.GetByFilter(ctx, opts...)

	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &SagaBatch{Total: len(executions), Items: statuses(executions)}, nil
}

func (s *sagaService) Retry(ctx context.Context, sagaUID, stepID string) error {
	if stepID == "" {
		return NewResponseError(http.StatusBadRequest, errors.New("step_id is required"))
	}

	if err := s.ensureExists(ctx, sagaUID); err != nil {
		return err
	}

	return wrapOrchestratorErr(s.orchestrator.Retry(ctx, sagaUID, stepID))
}

func (s *sagaService) Pause(ctx context.Context, sagaUID string) error {
	if err := s.ensureExists(ctx, sagaUID); err != nil {
		return err
	}

	return wrapOrchestratorErr(s.orchestrator.Pause(ctx, sagaUID))
}

func (s *sagaService) Resume(ctx context.Context, sagaUID string) error {
	if err := s.ensureExists(ctx, sagaUID); err != nil {
		return err
	}

	return wrapOrchestratorErr(s.orchestrator.Resume(ctx, sagaUID))
}

func (s *sagaService) Cancel(ctx context.Context, sagaUID string) error {
	if err := s.ensureExists(ctx, sagaUID); err != nil {
		return err
	}

	return wrapOrchestratorErr(s.orchestrator.Cancel(ctx, sagaUID))
}

func (s *sagaService) ensureExists(ctx context.Context, sagaUID string) error {
	execution, err := s.store.GetByID(ctx, sagaUID)
	if err != nil {
		return errors.Wrapf(err, "error loading saga '%s'", sagaUID)
	}

	if execution == nil {
		return NewResponseError(http.StatusNotFound, errors.Errorf("saga '%s' not found", sagaUID))
	}

	return nil
}

func (s *sagaService) Running(ctx context.Context) ([]SagaStatus, error) {
	executions, err := s.store.GetByFilter(ctx, saga.WithStatus(saga.StatusRunning))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return statuses(executions), nil
}

func statuses(executions []*saga.Execution) []SagaStatus {
	items := make([]SagaStatus, len(executions))

	for i, execution := range executions {
		items[i] = SagaStatus{
			SagaUID: execution.UID,
			Status:  execution.Status.String(),
			Saga:    execution,
		}
	}

	return items
}

// NoRetry errors from the orchestrator are precondition failures: missing
// saga, wrong step state, already finished. They map to 409, everything else
// stays a 500.
func wrapOrchestratorErr(err error) error {
	if err == nil {
		return nil
	}

	if saga.IsNoRetry(err) {
		return NewResponseError(http.StatusConflict, err)
	}

	return err
}
