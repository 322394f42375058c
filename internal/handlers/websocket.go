// -----------------------------------------------------------------------
// WebSocket handler - one multiplexed channel per client session
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/models"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsMaxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are CLIs and dashboards, not browsers on other origins
	},
}

// wsClient is one connected session; writes are serialised by mu
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(msg)
}

// write requires c.mu
func (c *wsClient) write(msg models.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

// WebSocketHandler accepts submit and cancel frames and routes every job
// message to the client that owns the job. A client that reconnects with the
// same client_id replaces the old connection and is resynced with the
// current state of its live jobs.
type WebSocketHandler struct {
	logger arbor.ILogger
	jobs   JobService
	store  interfaces.JobStore
	events interfaces.EventService

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewWebSocketHandler creates the handler and subscribes it to job messages
func NewWebSocketHandler(jobs JobService, store interfaces.JobStore, events interfaces.EventService, logger arbor.ILogger) (*WebSocketHandler, error) {
	h := &WebSocketHandler{
		logger:  logger,
		jobs:    jobs,
		store:   store,
		events:  events,
		clients: make(map[string]*wsClient),
	}

	if err := events.SubscribeJobMessages(h.handleJobMessage); err != nil {
		return nil, fmt.Errorf("subscribe to job messages: %w", err)
	}
	return h, nil
}

// HandleWebSocket serves GET /ws?client_id=<id>
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		WriteError(w, http.StatusBadRequest, "client_id query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{id: clientID, conn: conn}

	h.mu.Lock()
	previous := h.clients[clientID]
	h.clients[clientID] = client
	total := len(h.clients)
	h.mu.Unlock()

	if previous != nil {
		h.logger.Debug().Str("client_id", clientID).Msg("Replacing previous connection for client")
		previous.conn.Close()
	}

	h.logger.Debug().
		Str("client_id", clientID).
		Int("total", total).
		Msg("WebSocket client connected")

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		if h.clients[clientID] == client {
			delete(h.clients, clientID)
		}
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().
			Str("client_id", clientID).
			Int("remaining", remaining).
			Msg("WebSocket client disconnected")
	}()

	h.resync(r.Context(), client)
	h.events.Publish(context.Background(), interfaces.Event{Type: interfaces.EventClientConnected, Payload: clientID})

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", clientID).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		h.handleFrame(r.Context(), client, data)
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, client *wsClient, data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reject(client, "", fmt.Sprintf("malformed frame: %v", err))
		return
	}
	if err := msg.Validate(); err != nil {
		h.reject(client, msg.JobID, err.Error())
		return
	}

	switch msg.Type {
	case models.MessageTypeSubmit:
		if _, err := h.jobs.Submit(ctx, client.id, msg); err != nil {
			h.reject(client, msg.JobID, err.Error())
		}
	case models.MessageTypeCancel:
		if err := h.jobs.Cancel(ctx, msg.JobID); err != nil {
			h.reject(client, msg.JobID, err.Error())
		}
	default:
		h.reject(client, msg.JobID, fmt.Sprintf("unexpected %s frame from client", msg.Type))
	}
}

func (h *WebSocketHandler) reject(client *wsClient, jobID, reason string) {
	msg := models.NewMessage(models.MessageTypeError, jobID)
	msg.Error = reason
	if err := client.send(msg); err != nil {
		h.logger.Debug().Err(err).Str("client_id", client.id).Msg("Failed to send error frame")
	}
	h.logger.Warn().
		Str("client_id", client.id).
		Str("job_id", jobID).
		Str("reason", reason).
		Msg("Frame rejected")
}

// resync sends a snapshot of every job the client owns, including jobs that
// finished while it was away. The client's write lock is held so messages
// published meanwhile arrive after the snapshots.
func (h *WebSocketHandler) resync(ctx context.Context, client *wsClient) {
	client.mu.Lock()
	defer client.mu.Unlock()

	records, err := h.store.ListByOwner(ctx, client.id)
	if err != nil {
		h.logger.Warn().Err(err).Str("client_id", client.id).Msg("Resync failed")
		return
	}
	terminal := 0
	for _, record := range records {
		if record.Terminal {
			terminal++
		}
		if err := client.write(models.MessageFromJob(record.ToJob())); err != nil {
			h.logger.Debug().Err(err).Str("client_id", client.id).Msg("Resync write failed")
			return
		}
	}
	if len(records) > 0 {
		h.logger.Debug().
			Str("client_id", client.id).
			Int("live", len(records)-terminal).
			Int("terminal", terminal).
			Msg("Resynced jobs")
	}
}

// handleJobMessage routes a job message to its owner. Messages for clients
// that are not connected are dropped; the owner gets the stored snapshot on
// reconnect.
func (h *WebSocketHandler) handleJobMessage(ctx context.Context, jm interfaces.JobMessage) error {
	if jm.Owner == "" {
		return nil
	}

	h.mu.RLock()
	client := h.clients[jm.Owner]
	h.mu.RUnlock()
	if client == nil {
		return nil
	}

	if err := client.send(jm.Message); err != nil {
		h.logger.Debug().
			Err(err).
			Str("client_id", jm.Owner).
			Str("job_id", jm.Message.JobID).
			Msg("Job message not delivered")
	}
	return nil
}

// ClientCount returns the number of connected sessions
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}
