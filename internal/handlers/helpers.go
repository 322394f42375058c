package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

// JobService is the execution side the handlers drive; WorkerPool implements it
type JobService interface {
	Submit(ctx context.Context, owner string, msg models.Message) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// ClientIDHeader identifies the submitting session on REST calls
const ClientIDHeader = "X-Client-ID"

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// statusFor maps job errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
