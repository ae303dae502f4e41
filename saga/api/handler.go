package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-conductor/conductor/log"
	"github.com/pkg/errors"
)

type SagaHandler struct {
	service SagaService
	logger  log.Logger
}

func NewSagaHandler(logger log.Logger, service SagaService) *SagaHandler {
	return &SagaHandler{service: service, logger: logger}
}

// Register mounts the saga endpoints on mux:
//
//	POST /sagas
//	GET  /sagas?status=&definitionId=&offset=&limit=
//	GET  /sagas/{id}
//	POST /sagas/{id}/{retry|pause|resume|cancel}
//	GET  /admin/sagas/running
func (h *SagaHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sagas", h.collection)
	mux.HandleFunc("/sagas/", h.item)
	mux.HandleFunc("/admin/sagas/running", h.running)
}

func (h *SagaHandler) collection(resp http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(resp, r)
	case http.MethodGet:
		h.list(resp, r)
	default:
		NewResponseWriterFromErrMsg("Method not allowed", http.StatusMethodNotAllowed).write(resp, h.logger)
	}
}

func (h *SagaHandler) create(resp http.ResponseWriter, r *http.Request) {
	var req CreateRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		NewResponseWriterFromErrMsg("Malformed request body", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	createResp, err := h.service.Create(r.Context(), req)

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(createResp, http.StatusAccepted).write(resp, h.logger)
}

func (h *SagaHandler) list(resp http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var (
		filters    Filters
		pagination *Pagination
	)

	filters.Status = query.Get("status")
	filters.DefinitionID = query.Get("definitionId")

	offset, err := h.getInt(query, "offset")

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	limit, err := h.getInt(query, "limit")

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	if (offset != nil) != (limit != nil) {
		NewResponseWriterFromErrMsg("Query params 'offset' and 'limit' must be specified together", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	if limit != nil {
		pagination = &Pagination{Offset: *offset, Limit: *limit}
	}

	batch, err := h.service.GetFilteredBy(r.Context(), &filters, pagination)

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(batch, http.StatusOK).write(resp, h.logger)
}

func (h *SagaHandler) item(resp http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sagas/")

	if rest == "" {
		NewResponseWriterFromErrMsg("Saga id is empty", http.StatusBadRequest).write(resp, h.logger)
		return
	}

	sagaUID, action, _ := strings.Cut(rest, "/")

	if action == "" {
		if r.Method != http.MethodGet {
			NewResponseWriterFromErrMsg("Method not allowed", http.StatusMethodNotAllowed).write(resp, h.logger)
			return
		}

		statusResp, err := h.service.GetStatus(r.Context(), sagaUID)

		if err != nil {
			NewResponseWriterFromError(err).write(resp, h.logger)
			return
		}

		NewResponseWriter(statusResp, http.StatusOK).write(resp, h.logger)

		return
	}

	if r.Method != http.MethodPost {
		NewResponseWriterFromErrMsg("Method not allowed", http.StatusMethodNotAllowed).write(resp, h.logger)
		return
	}

	var err error

	switch action {
	case "retry":
		var body struct {
			StepID string `json:"step_id"`
		}

		if decodeErr := json.NewDecoder(r.Body).Decode(&body); decodeErr != nil {
			NewResponseWriterFromErrMsg("Malformed request body", http.StatusBadRequest).write(resp, h.logger)
			return
		}

		err = h.service.Retry(r.Context(), sagaUID, body.StepID)
	case "pause":
		err = h.service.Pause(r.Context(), sagaUID)
	case "resume":
		err = h.service.Resume(r.Context(), sagaUID)
	case "cancel":
		err = h.service.Cancel(r.Context(), sagaUID)
	default:
		NewResponseWriterFromErrMsg("Unknown action", http.StatusNotFound).write(resp, h.logger)
		return
	}

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(map[string]string{"saga_uid": sagaUID, "action": action}, http.StatusOK).write(resp, h.logger)
}

func (h *SagaHandler) running(resp http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		NewResponseWriterFromErrMsg("Method not allowed", http.StatusMethodNotAllowed).write(resp, h.logger)
		return
	}

	items, err := h.service.Running(r.Context())

	if err != nil {
		NewResponseWriterFromError(err).write(resp, h.logger)
		return
	}

	NewResponseWriter(items, http.StatusOK).write(resp, h.logger)
}

func (h *SagaHandler) getInt(values url.Values, paramName string) (*int, error) {
	paramValue := values.Get(paramName)
	if paramValue != "" {
		intValue, err := strconv.Atoi(paramValue)
		if err != nil {
			return nil, NewResponseError(http.StatusBadRequest, errors.Errorf("Query parameter '%s' is expected to be an integer", paramName))
		}

		return &intValue, nil
	}

	return nil, nil
}
