package http

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// HealthChecker defines the interface for health check dependencies
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// PresenceStats reports the size of the presence registry
type PresenceStats interface {
	ConnectionCount() int
	UserCount() int
}

// HealthHandler handles health check requests
type HealthHandler struct {
	broker     HealthChecker
	brokerName string
	presence   PresenceStats
	timeout    time.Duration
	startTime  time.Time
	version    string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(broker HealthChecker, brokerName string, presence PresenceStats, version string) *HealthHandler {
	return &HealthHandler{
		broker:     broker,
		brokerName: brokerName,
		presence:   presence,
		timeout:    5 * time.Second,
		startTime:  time.Now(),
		version:    version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// PresenceResponse summarizes live connections
type PresenceResponse struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// HandleLiveness reports that the process is running
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness reports whether the broker link is usable
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	brokerCheck := h.checkBroker(ctx)
	status, code := "healthy", http.StatusOK
	if brokerCheck.Status != "healthy" {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	WriteJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    map[string]Check{"broker": brokerCheck},
	})
}

// HandleHealth handles detailed health check requests (for monitoring/debugging)
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	brokerCheck := h.checkBroker(ctx)
	status, code := "healthy", http.StatusOK
	if brokerCheck.Status != "healthy" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := struct {
		HealthResponse
		Presence *PresenceResponse `json:"presence,omitempty"`
		Memory   struct {
			Alloc      uint64 `json:"alloc_bytes"`
			TotalAlloc uint64 `json:"total_alloc_bytes"`
			Sys        uint64 `json:"sys_bytes"`
			NumGC      uint32 `json:"num_gc"`
		} `json:"memory"`
		Goroutines int `json:"goroutines"`
	}{
		HealthResponse: HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
			Checks:    map[string]Check{"broker": brokerCheck},
		},
		Goroutines: runtime.NumGoroutine(),
	}
	if h.presence != nil {
		response.Presence = &PresenceResponse{
			Connections: h.presence.ConnectionCount(),
			Users:       h.presence.UserCount(),
		}
	}
	response.Memory.Alloc = memStats.Alloc
	response.Memory.TotalAlloc = memStats.TotalAlloc
	response.Memory.Sys = memStats.Sys
	response.Memory.NumGC = memStats.NumGC

	WriteJSON(w, code, response)
}

func (h *HealthHandler) checkBroker(ctx context.Context) Check {
	if h.broker == nil {
		return Check{
			Status:  "unhealthy",
			Message: "Broker not configured",
		}
	}

	start := time.Now()
	err := h.broker.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return Check{
			Status:  "unhealthy",
			Message: err.Error(),
			Latency: latency.String(),
		}
	}

	return Check{
		Status:  "healthy",
		Message: h.brokerName,
		Latency: latency.String(),
	}
}
