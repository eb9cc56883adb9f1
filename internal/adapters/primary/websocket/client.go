package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lorrc/notification-relay/internal/core/ports"
	"github.com/lorrc/notification-relay/internal/infrastructure/logging"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateRegistered
	StateClosing
	StateUnregistered
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// ClientConfig holds per-connection timing and buffering.
type ClientConfig struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration
	// Send pings to peer with this period. Must be less than PongWait.
	PingInterval time.Duration
	// Maximum message size allowed from peer.
	MaxMessageSize int64
	// Outbound queue length.
	SendBuffer int
}

// DefaultClientConfig returns the relay's default liveness settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteWait:      10 * time.Second,
		PongWait:       30 * time.Second,
		PingInterval:   15 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     256,
	}
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return cfg
}

var pongPayload = []byte(`{"type":"pong"}`)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound payloads.
	send chan []byte

	id     string
	userID int64
	cfg    ClientConfig

	// mu protects state and the closing of send
	mu    sync.Mutex
	state State

	// close frame sent when the server closes the connection
	closeCode   int
	closeReason string

	logger *slog.Logger
}

var _ ports.Connection = (*Client)(nil)

// NewClient creates a new WebSocket client. Its logger carries the request
// attributes found in ctx plus the user and connection ids; ctx is not retained.
func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, userID int64, cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	id := uuid.NewString()

	ctx = logging.WithUserID(ctx, userID)
	ctx = logging.WithConnectionID(ctx, id)

	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		id:          id,
		userID:      userID,
		cfg:         cfg,
		state:       StateConnecting,
		closeCode:   websocket.CloseNormalClosure,
		closeReason: "",
		logger:      logging.LoggerFromContext(ctx, logger.With("component", "websocket_client")),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() int64 {
	return c.userID
}

// State returns the client's lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) markRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.state = StateRegistered
	return true
}

// Send queues a payload without blocking. It fails when the client is
// closing or its queue is full.
func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= StateClosing {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("client send buffer full, dropping notification")
		return false
	}
}

// Close stops the client with a going-away close frame. It implements io.Closer.
func (c *Client) Close() error {
	c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	return nil
}

// CloseWithReason moves the client to Closing and closes its send queue
// exactly once; WritePump then sends the close frame.
func (c *Client) CloseWithReason(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= StateClosing {
		return
	}
	c.state = StateClosing
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// ReadPump reads from the websocket connection until it fails.
// This method runs in its own goroutine. Every exit path unregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c.userID, c)
		c.CloseWithReason(websocket.CloseNormalClosure, "")
		_ = c.conn.Close()

		c.mu.Lock()
		c.state = StateUnregistered
		c.mu.Unlock()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Any frame from the client proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.handleIncomingMessage(message)
	}
}

// WritePump pumps queued payloads to the websocket connection and pings
// the peer periodically. This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The queue was closed. Send close message.
				c.mu.Lock()
				frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				c.mu.Unlock()
				if err := c.conn.WriteMessage(websocket.CloseMessage, frame); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// --- Incoming Message Handling ---

// ClientMessage is the structure for messages sent from the client.
// Clients only send keep-alives; everything else is ignored.
type ClientMessage struct {
	Type string `json:"type"`
}

// handleIncomingMessage processes messages received from the client
func (c *Client) handleIncomingMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Debug("ignoring non-json client message", "error", err)
		return
	}

	switch msg.Type {
	case "ping", "PING":
		c.Send(pongPayload)
	default:
		c.logger.Debug("ignoring client message", "type", msg.Type)
	}
}
