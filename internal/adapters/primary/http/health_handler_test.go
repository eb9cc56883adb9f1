package http

import (
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBroker struct{ err error }

func (s stubBroker) Ping(context.Context) error { return s.err }

type stubPresence struct{ conns, users int }

func (s stubPresence) ConnectionCount() int { return s.conns }
func (s stubPresence) UserCount() int       { return s.users }

func serve(h stdhttp.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(stdhttp.MethodGet, "/health", nil))
	return rec
}

func TestHealthHandler(t *testing.T) {
	presence := stubPresence{conns: 3, users: 2}

	t.Run("liveness ignores the broker", func(t *testing.T) {
		h := NewHealthHandler(stubBroker{err: errors.New("down")}, "rabbitmq", presence, "1.0.0")
		rec := serve(h.HandleLiveness)
		assert.Equal(t, stdhttp.StatusOK, rec.Code)
	})

	t.Run("ready when the broker answers", func(t *testing.T) {
		h := NewHealthHandler(stubBroker{}, "rabbitmq", presence, "1.0.0")
		rec := serve(h.HandleReadiness)
		assert.Equal(t, stdhttp.StatusOK, rec.Code)

		var body HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "rabbitmq", body.Checks["broker"].Message)
	})

	t.Run("not ready when the broker is down", func(t *testing.T) {
		h := NewHealthHandler(stubBroker{err: errors.New("connection refused")}, "redis", presence, "1.0.0")
		rec := serve(h.HandleReadiness)
		assert.Equal(t, stdhttp.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})

	t.Run("detailed health reports presence", func(t *testing.T) {
		h := NewHealthHandler(stubBroker{}, "redis", presence, "1.0.0")
		rec := serve(h.HandleHealth)
		assert.Equal(t, stdhttp.StatusOK, rec.Code)

		var body struct {
			Status   string           `json:"status"`
			Presence PresenceResponse `json:"presence"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, PresenceResponse{Connections: 3, Users: 2}, body.Presence)
	})

	t.Run("degraded without a broker", func(t *testing.T) {
		h := NewHealthHandler(nil, "", nil, "1.0.0")
		rec := serve(h.HandleHealth)
		assert.Equal(t, stdhttp.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"degraded"`)
	})
}

func TestRouter(t *testing.T) {
	metricsHandler := stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		_, _ = w.Write([]byte("relay_connections 0\n"))
	})
	router := NewRouter(RouterConfig{
		WebSocket: stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
			w.WriteHeader(stdhttp.StatusTeapot)
		}),
		Health:         NewHealthHandler(stubBroker{}, "redis", stubPresence{}, "1.0.0"),
		Metrics:        metricsHandler,
		AllowedOrigins: []string{"app.example.com"},
		Logger:         testLogger(),
	})

	do := func(method, path string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, stdhttp.StatusTeapot, do(stdhttp.MethodGet, "/ws", nil).Code)
	assert.Equal(t, stdhttp.StatusOK, do(stdhttp.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, stdhttp.StatusOK, do(stdhttp.MethodGet, "/health/ready", nil).Code)

	metrics := do(stdhttp.MethodGet, "/metrics", nil)
	assert.Equal(t, stdhttp.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "relay_connections")

	notFound := do(stdhttp.MethodGet, "/api/v1/tickets", nil)
	assert.Equal(t, stdhttp.StatusNotFound, notFound.Code)
	assert.NotEmpty(t, notFound.Header().Get("X-Request-ID"))

	cors := do(stdhttp.MethodGet, "/health/live", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, "https://app.example.com", cors.Header().Get("Access-Control-Allow-Origin"))

	other := do(stdhttp.MethodGet, "/health/live", map[string]string{"Origin": "https://evil.com"})
	assert.Empty(t, other.Header().Get("Access-Control-Allow-Origin"))
}
