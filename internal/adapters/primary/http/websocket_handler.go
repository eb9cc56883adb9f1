package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	wsAdapter "github.com/lorrc/notification-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/notification-relay/internal/config"
	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
	"github.com/lorrc/notification-relay/internal/infrastructure/logging"
)

// Handshake results reported to metrics.
const (
	handshakeAccepted     = "accepted"
	handshakeMissingToken = "missing_token"
	handshakeInvalidToken = "invalid_token"
	handshakeRefused      = "refused"
)

// WebSocketHandler authenticates and upgrades client connections
type WebSocketHandler struct {
	hub       *wsAdapter.Hub
	auth      ports.Authenticator
	metrics   ports.Metrics
	upgrader  websocket.Upgrader
	clientCfg wsAdapter.ClientConfig
	logger    *slog.Logger

	// baseLogger has no component attribute; clients add their own.
	baseLogger *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *wsAdapter.Hub,
	auth ports.Authenticator,
	metrics ports.Metrics,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:     hub,
		auth:    auth,
		metrics: metrics,
		clientCfg: wsAdapter.ClientConfig{
			WriteWait:      cfg.WebSocket.WriteWait,
			PongWait:       cfg.WebSocket.PongWait,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			SendBuffer:     cfg.WebSocket.SendBuffer,
		},
		logger:     logger.With("component", "websocket_handler"),
		baseLogger: logger,
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins
	isDevelopment := cfg.IsDevelopment()

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if isDevelopment {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		if originAllowed(parsedOrigin.Host, allowedOrigins) {
			return true
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// originAllowed supports exact hosts and wildcard subdomains like "*.example.com"
func originAllowed(originHost string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:] // Remove the "*", keep ".example.com"
			if strings.HasSuffix(originHost, suffix) || originHost == allowed[2:] {
				return true
			}
		} else if originHost == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection, authenticates it, and registers it.
//
// Authentication runs after the upgrade so a refused client receives a close
// frame whose code tells "missing token" apart from "invalid or expired token".
// A refused connection never enters the registry.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context(), h.logger).With("remote_addr", r.RemoteAddr)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		logger.Warn("failed to upgrade websocket connection", "error", err)
		return
	}

	// 1. Authenticate the connection via query parameter
	userID, err := h.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		closeErr := apperrors.NewCloseError(err)
		result := handshakeInvalidToken
		if closeErr.Code == apperrors.CloseMissingToken {
			result = handshakeMissingToken
		}
		h.metrics.HandshakeCompleted(result)

		logger.Warn("websocket connection rejected",
			"reason", closeErr.Reason,
			"error", err,
		)
		h.reject(conn, closeErr)
		return
	}

	// 2. Create and register the new client
	client := wsAdapter.NewClient(r.Context(), h.hub, conn, userID, h.clientCfg, h.baseLogger)
	if err := h.hub.Register(userID, client); err != nil {
		h.metrics.HandshakeCompleted(handshakeRefused)
		logger.Warn("websocket registration refused", "user_id", userID, "error", err)
		h.reject(conn, &apperrors.CloseError{
			Err:    err,
			Code:   websocket.CloseTryAgainLater,
			Reason: "server unavailable",
		})
		return
	}

	h.metrics.HandshakeCompleted(handshakeAccepted)
	logger.Info("websocket connection established",
		"user_id", userID,
		"connection_id", client.ID(),
	)

	// 3. Start the I/O pumps in new goroutines
	go client.WritePump()
	go client.ReadPump()
}

// reject sends a close frame and closes the transport immediately
func (h *WebSocketHandler) reject(conn *websocket.Conn, closeErr *apperrors.CloseError) {
	frame := websocket.FormatCloseMessage(closeErr.Code, closeErr.Reason)
	deadline := time.Now().Add(h.clientCfg.WriteWait)
	if h.clientCfg.WriteWait <= 0 {
		deadline = time.Now().Add(time.Second)
	}
	if err := conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
		h.logger.Debug("failed to send close frame", "error", err)
	}
	_ = conn.Close()
}
