package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

func newJobRouter(t *testing.T) (http.Handler, *fakeJobs) {
	t.Helper()
	svc := &fakeJobs{}
	store := newTestStore(t)
	seedJob(t, store, "job-1", "cli_a", 40)

	h := NewJobHandler(svc, store, arbor.NewLogger())
	r := chi.NewRouter()
	r.Post("/jobs", h.SubmitHandler)
	r.Get("/jobs/{id}/progress", h.ProgressHandler)
	r.Post("/jobs/{id}/cancel", h.CancelHandler)
	return r, svc
}

func TestSubmitHandler(t *testing.T) {
	router, svc := newJobRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs",
		strings.NewReader(`{"job_id":"exec-9","kind":"tool_execution","params":{"tool":"echo"}}`))
	req.Header.Set(ClientIDHeader, "cli_a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"job_id":"exec-9"}`, rec.Body.String())

	subs := svc.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "cli_a", subs[0].owner)
	assert.Equal(t, models.JobKindToolExecution, subs[0].msg.Kind)
	assert.Equal(t, "echo", subs[0].msg.Params["tool"])
}

func TestSubmitHandler_Rejects(t *testing.T) {
	router, svc := newJobRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"kind":`},
		{"missing kind", `{"params":{}}`},
		{"unknown kind", `{"kind":"crawl"}`},
		{"control characters in id", `{"job_id":"a\nb","kind":"scan"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "error", body["status"])
		})
	}
	assert.Empty(t, svc.submitted())
}

func TestSubmitHandler_ServiceUnavailable(t *testing.T) {
	router, svc := newJobRouter(t)
	svc.err = jobs.ErrClosed

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"kind":"scan"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgressHandler(t *testing.T) {
	router, _ := newJobRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-1/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var msg models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, models.MessageTypeProgress, msg.Type)
	assert.Equal(t, models.JobStatusRunning, msg.Status)
	require.NotNil(t, msg.Progress)
	assert.Equal(t, 40.0, *msg.Progress)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/unknown/progress", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelHandler(t *testing.T) {
	router, svc := newJobRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/job-1/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"job_id":"job-1","status":"cancel_requested"}`, rec.Body.String())
	assert.Equal(t, []string{"job-1"}, svc.cancelled())
}
