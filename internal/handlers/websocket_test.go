package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/models"
	"github.com/ternarybob/mcpdash/internal/storage/badger"
)

type wsFixture struct {
	server  *httptest.Server
	handler *WebSocketHandler
	jobs    *fakeJobs
	bus     interfaces.EventService
}

func newWSFixture(t *testing.T, seed func(store *badger.JobStore)) *wsFixture {
	t.Helper()
	store := newTestStore(t)
	if seed != nil {
		seed(store)
	}
	bus := newTestBus(t)
	svc := &fakeJobs{}

	h, err := NewWebSocketHandler(svc, store, bus, arbor.NewLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &wsFixture{server: srv, handler: h, jobs: svc, bus: bus}
}

func (f *wsFixture) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?client_id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *wsFixture) waitClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.handler.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func readMessage(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_RequiresClientID(t *testing.T) {
	f := newWSFixture(t, nil)

	resp, err := http.Get(f.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_SubmitAndCancelFrames(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "cli_a")

	submit := models.NewMessage(models.MessageTypeSubmit, "exec-1")
	submit.Kind = models.JobKindToolExecution
	submit.Params = map[string]any{"tool": "echo"}
	require.NoError(t, conn.WriteJSON(submit))
	require.NoError(t, conn.WriteJSON(models.NewMessage(models.MessageTypeCancel, "exec-1")))

	require.Eventually(t, func() bool { return len(f.jobs.cancelled()) == 1 }, 2*time.Second, 5*time.Millisecond)
	subs := f.jobs.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "cli_a", subs[0].owner)
	assert.Equal(t, "exec-1", subs[0].msg.JobID)
	assert.Equal(t, []string{"exec-1"}, f.jobs.cancelled())
}

func TestWebSocket_InvalidFramesGetErrorReply(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "cli_a")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	reply := readMessage(t, conn)
	assert.Equal(t, models.MessageTypeError, reply.Type)

	// a submit with an unsupported kind
	require.NoError(t, conn.WriteJSON(models.Message{Type: models.MessageTypeSubmit, JobID: "exec-2", Kind: "crawl"}))
	reply = readMessage(t, conn)
	assert.Equal(t, models.MessageTypeError, reply.Type)
	assert.Equal(t, "exec-2", reply.JobID)

	// clients never send progress
	require.NoError(t, conn.WriteJSON(models.NewMessage(models.MessageTypeProgress, "exec-3")))
	reply = readMessage(t, conn)
	assert.Equal(t, "exec-3", reply.JobID)
	assert.Contains(t, reply.Error, "unexpected")

	assert.Empty(t, f.jobs.submitted())
}

func TestWebSocket_RoutesMessagesToOwner(t *testing.T) {
	f := newWSFixture(t, nil)
	connA := f.dial(t, "cli_a")
	connB := f.dial(t, "cli_b")
	f.waitClients(t, 2)

	progress := models.NewMessage(models.MessageTypeProgress, "exec-1")
	progress.Progress = models.Float(50)
	require.NoError(t, f.bus.PublishJobMessage(context.Background(), "cli_b", progress))

	got := readMessage(t, connB)
	assert.Equal(t, "exec-1", got.JobID)
	assert.Equal(t, 50.0, *got.Progress)

	connA.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := connA.ReadMessage()
	assert.Error(t, err, "message leaked to another client")
}

func TestWebSocket_ResyncsOwnedJobsOnConnect(t *testing.T) {
	f := newWSFixture(t, func(store *badger.JobStore) {
		seedJob(t, store, "exec-1", "cli_a", 60)
		seedJob(t, store, "exec-2", "cli_b", 10)
		seedJob(t, store, "exec-3", "cli_a", 90)
		_, _, err := store.Apply(context.Background(), "exec-3", models.Event{
			JobID:     "exec-3",
			Status:    models.JobStatusCompleted,
			Result:    []byte(`"done"`),
			Timestamp: time.Now(),
			Source:    models.SourceLocal,
		})
		require.NoError(t, err)
	})

	conn := f.dial(t, "cli_a")
	got := map[string]models.Message{}
	for i := 0; i < 2; i++ {
		msg := readMessage(t, conn)
		got[msg.JobID] = msg
	}
	require.Len(t, got, 2)

	live := got["exec-1"]
	assert.Equal(t, models.MessageTypeProgress, live.Type)
	assert.Equal(t, models.JobStatusRunning, live.Status)
	assert.Equal(t, 60.0, *live.Progress)

	// finished while the client was away
	done := got["exec-3"]
	assert.Equal(t, models.MessageTypeCompleted, done.Type)
	assert.JSONEq(t, `"done"`, string(done.Result))

	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "another client's job was resynced")
}

func TestWebSocket_ReconnectReplacesConnection(t *testing.T) {
	f := newWSFixture(t, nil)

	connected := make(chan string, 4)
	require.NoError(t, f.bus.Subscribe(interfaces.EventClientConnected, func(_ context.Context, ev interfaces.Event) error {
		connected <- ev.Payload.(string)
		return nil
	}))

	first := f.dial(t, "cli_a")
	f.waitClients(t, 1)
	f.dial(t, "cli_a")

	assert.Equal(t, "cli_a", <-connected)
	assert.Equal(t, "cli_a", <-connected)

	// the replaced connection is closed by the server
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)
	f.waitClients(t, 1)
}

func TestWebSocket_CloseDisconnectsClients(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial(t, "cli_a")
	f.waitClients(t, 1)

	f.handler.Close()
	assert.Equal(t, 0, f.handler.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
