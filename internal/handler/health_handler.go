// internal/handler/health_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"serial-terminal/internal/config"
	"serial-terminal/internal/service"
	"serial-terminal/internal/utils"
)

const probeTimeout = 2 * time.Second

// HealthHandler handles health check requests
type HealthHandler struct {
	controller *service.SessionController
	session    SessionInspector
	websocket  *WebSocketHandler
	config     *config.Config
	startTime  time.Time
	logger     *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler. websocket may be nil.
func NewHealthHandler(
	controller *service.SessionController,
	session SessionInspector,
	websocket *WebSocketHandler,
	config *config.Config,
	logger *zap.Logger,
) *HealthHandler {
	return &HealthHandler{
		controller: controller,
		session:    session,
		websocket:  websocket,
		config:     config,
		startTime:  time.Now(),
		logger:     utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the controller and serial session state. The
// service is unhealthy only when the controller stops answering; a closed
// port is a normal state for a terminal.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	snap, err := h.controller.Snapshot(ctx)
	if err != nil {
		h.logger.Error("Controller health check failed", zap.Error(err))
		health.Status = "unhealthy"
		health.Checks["controller"] = CheckResult{
			Status:  "unhealthy",
			Message: err.Error(),
		}
	} else {
		health.Checks["controller"] = CheckResult{
			Status:  "healthy",
			Message: snap.Status,
			Data: map[string]interface{}{
				"connection": snap.Connection,
				"port":       snap.Config.String(),
				"ports":      len(snap.Ports),
			},
		}
	}

	stats := h.session.Stats()
	health.Checks["session"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"state":          stats.State,
			"session_id":     stats.SessionID.String(),
			"port":           stats.PortID,
			"bytes_sent":     stats.BytesSent,
			"bytes_received": stats.BytesReceived,
		},
	}

	if h.websocket != nil {
		health.Checks["websocket"] = CheckResult{
			Status: "healthy",
			Data: map[string]interface{}{
				"clients": h.websocket.GetConnectionStats().TotalConnections,
			},
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck reports ready once the controller dispatcher answers
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	if _, err := h.controller.Snapshot(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "session controller not available",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "ready",
		"session_state": h.session.State(),
		"timestamp":     time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
