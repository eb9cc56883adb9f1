package websocket

import (
	"io"
	"log/slog"
	"sync"

	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
)

// Hub is the presence registry: it maps user IDs to their live connections.
type Hub struct {
	// clients maps user IDs to their active connections
	// A single user can have multiple connections (multiple tabs/devices)
	clients map[int64]map[ports.Connection]struct{}

	// closed is set by CloseAll; later registrations are refused
	closed bool

	// mu protects clients and closed
	mu sync.RWMutex

	metrics ports.Metrics
	logger  *slog.Logger
}

// Ensure Hub implements the PresenceRegistry interface.
var _ ports.PresenceRegistry = (*Hub)(nil)

// registrable is implemented by connections that track their own lifecycle.
type registrable interface {
	markRegistered() bool
}

// NewHub creates a new presence registry
func NewHub(metrics ports.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[ports.Connection]struct{}),
		metrics: metrics,
		logger:  logger.With("component", "websocket_hub"),
	}
}

// Register adds a connection under userID. A connection that is already
// closing is refused so it can never become a stale entry.
func (h *Hub) Register(userID int64, conn ports.Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return apperrors.ErrConnectionClosed
	}
	if r, ok := conn.(registrable); ok && !r.markRegistered() {
		return apperrors.ErrConnectionClosed
	}

	if h.clients[userID] == nil {
		h.clients[userID] = make(map[ports.Connection]struct{})
	}
	h.clients[userID][conn] = struct{}{}
	h.metrics.ConnectionOpened()

	h.logger.Info("client registered",
		"user_id", userID,
		"connection_id", conn.ID(),
		"total_connections", len(h.clients[userID]),
	)
	return nil
}

// Unregister removes a connection and drops the user's entry once empty.
// It reports whether the connection was registered.
func (h *Hub) Unregister(userID int64, conn ports.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[userID]
	if !ok {
		return false
	}
	if _, exists := userClients[conn]; !exists {
		return false
	}

	delete(userClients, conn)
	if len(userClients) == 0 {
		delete(h.clients, userID)
	}
	h.metrics.ConnectionClosed()

	h.logger.Info("client unregistered",
		"user_id", userID,
		"connection_id", conn.ID(),
		"remaining_connections", len(userClients),
	)
	return true
}

// ConnectionsFor returns a snapshot of the user's live connections.
// The lock is not held while callers send.
func (h *Hub) ConnectionsFor(userID int64) []ports.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userClients, ok := h.clients[userID]
	if !ok {
		return nil
	}

	conns := make([]ports.Connection, 0, len(userClients))
	for conn := range userClients {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll refuses further registrations and closes every live connection.
// Each connection unregisters itself as its transport shuts down.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]ports.Connection, 0)
	for _, userClients := range h.clients {
		for conn := range userClients {
			conns = append(conns, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if c, ok := conn.(io.Closer); ok {
			_ = c.Close()
		}
	}

	h.logger.Info("closed all connections", "count", len(conns))
}

// ConnectionCount returns the total number of registered connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, userClients := range h.clients {
		count += len(userClients)
	}
	return count
}

// UserCount returns the number of users with at least one connection
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsUserConnected checks if a user has any active connections
func (h *Hub) IsUserConnected(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[userID]
	return ok && len(clients) > 0
}
