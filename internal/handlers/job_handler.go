package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/models"
)

const maxSubmitBody = 1 << 20

// submitRequest is the accepted subset of a submit message
type submitRequest struct {
	JobID  string         `json:"job_id" validate:"omitempty,max=128,printascii"`
	Kind   models.JobKind `json:"kind" validate:"required,oneof=tool_execution scan"`
	Params map[string]any `json:"params"`
}

// JobHandler serves the request/response job endpoints used by the fallback
// poller: POST /jobs, GET /jobs/{id}/progress, POST /jobs/{id}/cancel.
type JobHandler struct {
	jobs     JobService
	store    interfaces.JobStore
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewJobHandler creates a JobHandler
func NewJobHandler(jobs JobService, store interfaces.JobStore, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:     jobs,
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// SubmitHandler accepts a job and answers 202 with its ID
func (h *JobHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := r.Header.Get(ClientIDHeader)
	jobID, err := h.jobs.Submit(r.Context(), owner, models.Message{
		Type:   models.MessageTypeSubmit,
		JobID:  req.JobID,
		Kind:   req.Kind,
		Params: req.Params,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", req.JobID).Msg("Job submission rejected")
		WriteError(w, statusFor(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// ProgressHandler returns the job's current snapshot as a wire message
func (h *JobHandler) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	record, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		WriteError(w, statusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, models.MessageFromJob(record.ToJob()))
}

// CancelHandler requests cancellation; confirmation arrives through progress
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		WriteError(w, statusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancel_requested"})
}
