// Package health exposes liveness and readiness probes for the signaling
// server.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/signaling"
)

// Handler manages health check endpoints.
type Handler struct {
	minter      *identity.RoomIDMinter
	hub         *signaling.Hub
	redisClient *redis.Client
}

// NewHandler creates a health check handler. redisClient may be nil when the
// rate-limit store runs in process memory.
func NewHandler(minter *identity.RoomIDMinter, hub *signaling.Hub, redisClient *redis.Client) *Handler {
	return &Handler{
		minter:      minter,
		hub:         hub,
		redisClient: redisClient,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Sessions  int               `json:"sessions"`
	Rooms     int               `json:"rooms"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live.
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only when the server can actually broker calls: the room-ID
// secret must be configured and, when Redis backs the rate limiter, Redis
// must answer a ping. Hub occupancy is reported alongside.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.minter.Configured() {
		checks["room_id_secret"] = "configured"
	} else {
		checks["room_id_secret"] = "missing"
		allHealthy = false
	}

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus == "unhealthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	sessions, rooms := h.hub.Counts()
	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Sessions:  sessions,
		Rooms:     rooms,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies Redis connectivity using the PING command.
func (h *Handler) checkRedis(ctx context.Context) string {
	// Single-instance mode carries no Redis dependency.
	if h.redisClient == nil {
		return "disabled"
	}

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
