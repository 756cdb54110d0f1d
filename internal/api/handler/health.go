package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ActiveCounter reports how many imports are in flight.
type ActiveCounter interface {
	Active() int
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db     Pinger
	runner ActiveCounter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db Pinger, runner ActiveCounter) *HealthHandler {
	return &HealthHandler{db: db, runner: runner}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.runner != nil {
		body["active_imports"] = h.runner.Active()
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}
