package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/models"
)

// fakeService answers submits over the channel with a scripted run that ends
// with a duplicated terminal frame, and serves the REST endpoints from the
// same table
type fakeService struct {
	mu          sync.Mutex
	noSocket    bool
	holdRunning bool          // REST submits stay running until cancelled
	cancelDelay time.Duration // how long the cancel endpoint takes to answer
	status      map[string]models.Message
}

func (f *fakeService) handler() http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if f.noSocket {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg models.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != models.MessageTypeSubmit {
				continue
			}
			frames := []models.Message{
				{Type: models.MessageTypeProgress, JobID: msg.JobID, Progress: models.Float(40)},
				{Type: models.MessageTypeProgress, JobID: msg.JobID, Progress: models.Float(70)},
				{Type: models.MessageTypeCompleted, JobID: msg.JobID, Result: json.RawMessage(`"ok"`)},
				{Type: models.MessageTypeCompleted, JobID: msg.JobID, Result: json.RawMessage(`"ok"`)},
			}
			for _, frame := range frames {
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	})

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		var msg models.Message
		_ = json.NewDecoder(r.Body).Decode(&msg)
		f.mu.Lock()
		f.status[msg.JobID] = models.Message{
			Type: models.MessageTypeCompleted, JobID: msg.JobID, Status: models.JobStatusCompleted,
			Result: json.RawMessage(`"polled"`),
		}
		if f.holdRunning {
			f.status[msg.JobID] = models.Message{
				Type: models.MessageTypeProgress, JobID: msg.JobID, Status: models.JobStatusRunning,
				Progress: models.Float(10),
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": msg.JobID})
	})

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/cancel"); ok {
			select {
			case <-time.After(f.cancelDelay):
			case <-r.Context().Done():
				return
			}
			f.mu.Lock()
			f.status[id] = models.Message{Type: models.MessageTypeCancelled, JobID: id, Status: models.JobStatusCancelled}
			f.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": id, "status": "cancel_requested"})
			return
		}

		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/progress")
		f.mu.Lock()
		msg, ok := f.status[id]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(msg)
	})
	return mux
}

func newSession(t *testing.T, svc *fakeService) *Session {
	t.Helper()
	svc.status = make(map[string]models.Message)
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	cfg := common.NewDefaultConfig().Client
	cfg.ServerURL = srv.URL
	cfg.Poller.Interval = "10ms"
	cfg.Reconnect.BaseDelay = "10ms"
	cfg.Reconnect.MaxAttempts = 1

	s, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestSession_ChannelRunDeliversTerminalOnce(t *testing.T) {
	s := newSession(t, &fakeService{})
	require.Eventually(t, func() bool { return s.ConnectionState() == models.ConnectionConnected }, 2*time.Second, 5*time.Millisecond)

	id, err := s.SubmitRequest(context.Background(), models.SubmitRequest{JobID: "exec-1", Kind: models.JobKindToolExecution})
	require.NoError(t, err)
	sub, err := s.Subscribe(context.Background(), id)
	require.NoError(t, err)

	completed := 0
	for ev := range sub.Events() {
		if ev.Status == models.JobStatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `"ok"`, string(job.Result))
	assert.Equal(t, models.TransportChannel, job.Transport)
}

func TestSession_RESTFallbackWhenChannelDown(t *testing.T) {
	s := newSession(t, &fakeService{noSocket: true})
	assert.NotEqual(t, models.ConnectionConnected, s.ConnectionState())

	id, err := s.Submit(context.Background(), models.JobKindScan, map[string]any{"path": "/tmp/repo"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := s.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `"polled"`, string(job.Result))
	assert.Equal(t, models.TransportPoller, job.Transport)

	require.Eventually(t, func() bool { return s.Health().State == models.HealthExhausted }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_CloseEndsSubscriptions(t *testing.T) {
	svc := &fakeService{noSocket: true}
	s := newSession(t, svc)

	id, err := s.Submit(context.Background(), models.JobKindToolExecution, nil)
	require.NoError(t, err)
	sub, err := s.Subscribe(context.Background(), id)
	require.NoError(t, err)

	s.Close()

	done := make(chan struct{})
	go func() {
		for range sub.Events() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still open after Close")
	}

	_, err = s.Submit(context.Background(), models.JobKindToolExecution, nil)
	assert.Error(t, err)
}

func TestSession_CancelReturnsWhileServerIsSlow(t *testing.T) {
	s := newSession(t, &fakeService{noSocket: true, holdRunning: true, cancelDelay: time.Second})

	id, err := s.SubmitRequest(context.Background(), models.SubmitRequest{JobID: "p-1", Kind: models.JobKindToolExecution})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := s.Get(id)
		return err == nil && job.Status == models.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Cancel(context.Background(), id))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err = s.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.False(t, job.CancelUnconfirmed)
}
