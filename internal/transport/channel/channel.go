// -----------------------------------------------------------------------
// Transport channel - one multiplexed WebSocket per client session
// -----------------------------------------------------------------------

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second

	maxMessageSize = 1024 * 1024
)

// Config describes the channel endpoint and keepalive timing
type Config struct {
	URL              string // ws:// or wss:// endpoint, e.g. ws://localhost:8085/ws
	ClientID         string // session identity sent at connect time
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
}

// Stats counts frames seen on the channel
type Stats struct {
	Sent      int64 `json:"sent"`
	Received  int64 `json:"received"`
	Malformed int64 `json:"malformed"`
}

// Channel is a WebSocket client carrying messages for every active job of a
// session over a single connection. Messages are tagged by job ID; routing
// to jobs is the handler's concern.
type Channel struct {
	config Config
	dialer *websocket.Dialer
	logger arbor.ILogger

	mu       sync.RWMutex
	conn     *websocket.Conn
	done     chan struct{} // closed when the current connection ends
	closing  bool          // Disconnect in progress, suppress reconnect signal
	state    models.ConnectionState
	handler  func(models.Message)
	onState  []func(models.ConnectionState)
	onDrop   []func(error)
	writeMux sync.Mutex

	sent      atomic.Int64
	received  atomic.Int64
	malformed atomic.Int64
}

// New creates a disconnected channel
func New(config Config, logger arbor.ILogger) *Channel {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaultWriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}
	return &Channel{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logger,
		state:  models.ConnectionDisconnected,
	}
}

// OnMessage sets the handler for inbound messages. It runs on the read loop
// and must not block for long.
func (c *Channel) OnMessage(handler func(models.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnStateChange registers a listener for connection state changes
func (c *Channel) OnStateChange(fn func(models.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnDisconnect registers a listener for abnormal closes. A Disconnect call
// does not trigger it.
func (c *Channel) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = append(c.onDrop, fn)
}

// State returns the current connection state
func (c *Channel) State() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether messages can be sent right now
func (c *Channel) Connected() bool {
	return c.State() == models.ConnectionConnected
}

// Stats returns frame counters
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Malformed: c.malformed.Load(),
	}
}

// Connect dials the endpoint and registers the client ID. Each connection
// starts with an empty multiplex table; nothing is replayed from earlier
// connections.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != models.ConnectionDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()
	c.setState(models.ConnectionConnecting)

	target, err := c.endpoint()
	if err != nil {
		c.setState(models.ConnectionDisconnected)
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(models.ConnectionDisconnected)
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	// The connection and the connected state are published together, before
	// the loops start, so a release can never be overtaken by this Connect
	done := make(chan struct{})
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(models.ConnectionDisconnected)
		return fmt.Errorf("channel disconnected while connecting: %w", jobs.ErrTransportUnavailable)
	}
	c.conn = conn
	c.done = done
	listeners := c.transitionLocked(models.ConnectionConnected)
	c.mu.Unlock()
	notify(listeners, models.ConnectionConnected)

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	c.logger.Info().
		Str("url", c.config.URL).
		Str("client_id", c.config.ClientID).
		Msg("Channel connected")
	return nil
}

// Disconnect closes the connection normally. It does not signal the health
// supervisor.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.closing = true
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMux.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(c.config.WriteWait))
	c.writeMux.Unlock()

	c.release(conn, nil)
}

// Send writes one message. It returns ErrTransportUnavailable when the
// channel is not connected or the write fails.
func (c *Channel) Send(ctx context.Context, msg models.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	c.mu.RLock()
	conn := c.conn
	connected := c.state == models.ConnectionConnected
	c.mu.RUnlock()
	if conn == nil || !connected {
		return fmt.Errorf("channel %s: %w", c.State(), jobs.ErrTransportUnavailable)
	}

	deadline := time.Now().Add(c.config.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMux.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMux.Unlock()
	if err != nil {
		c.release(conn, err)
		return fmt.Errorf("write %s for %s: %w: %v", msg.Type, msg.JobID, jobs.ErrTransportUnavailable, err)
	}

	c.sent.Add(1)
	return nil
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid channel url %q: %w", c.config.URL, err)
	}
	if c.config.ClientID != "" {
		q := u.Query()
		q.Set("client_id", c.config.ClientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.release(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.dropMalformed(err)
			continue
		}
		if err := msg.Validate(); err != nil {
			c.dropMalformed(err)
			continue
		}
		c.received.Add(1)

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler != nil {
			handler(msg)
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

func (c *Channel) dropMalformed(err error) {
	c.malformed.Add(1)
	c.logger.Warn().Err(err).Msg("Malformed channel frame dropped")
}

func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.config.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMux.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteWait))
			c.writeMux.Unlock()
			if err != nil {
				c.release(conn, err)
				return
			}
		}
	}
}

// release tears down conn once. Only the first caller for the current
// connection changes state; stale connections are ignored.
func (c *Channel) release(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.done)
	intentional := c.closing
	listeners := append([]func(error){}, c.onDrop...)
	c.mu.Unlock()

	_ = conn.Close()
	c.setState(models.ConnectionDisconnected)

	if intentional || websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.logger.Info().Str("client_id", c.config.ClientID).Msg("Channel closed")
		return
	}

	if cause == nil {
		cause = errors.New("connection closed")
	}
	c.logger.Warn().Err(cause).Str("client_id", c.config.ClientID).Msg("Channel dropped")
	for _, fn := range listeners {
		fn(cause)
	}
}

func (c *Channel) setState(s models.ConnectionState) {
	c.mu.Lock()
	listeners := c.transitionLocked(s)
	c.mu.Unlock()
	notify(listeners, s)
}

// transitionLocked sets the state and returns the listeners to notify, or nil
// when nothing changed. c.mu must be held.
func (c *Channel) transitionLocked(s models.ConnectionState) []func(models.ConnectionState) {
	if c.state == s {
		return nil
	}
	c.state = s
	return append([]func(models.ConnectionState){}, c.onState...)
}

func notify(listeners []func(models.ConnectionState), s models.ConnectionState) {
	for _, fn := range listeners {
		fn(s)
	}
}
