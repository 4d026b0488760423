package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/circuitbreaker"
	"github.com/aman-churiwal/tier-gate/internal/metrics"
	"github.com/gin-gonic/gin"
)

type HealthSource interface {
	Check(ctx context.Context) metrics.HealthReport
}

// Handles system-related endpoints
type SystemHandler struct {
	health   HealthSource
	breakers map[string]*circuitbreaker.CircuitBreaker
	started  time.Time
}

func NewSystemHandler(health HealthSource, breakers map[string]*circuitbreaker.CircuitBreaker) *SystemHandler {
	return &SystemHandler{
		health:   health,
		breakers: breakers,
		started:  time.Now(),
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	report := h.health.Check(c.Request.Context())

	statusCode := http.StatusOK
	if report.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":         report.Status,
		"service":        "tier-gate",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"checks":         report,
	})
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	statuses := make(map[string]circuitbreaker.Metrics, len(h.breakers))
	for name, cb := range h.breakers {
		statuses[name] = cb.Metrics()
	}

	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Param("name")

	cb, exists := h.breakers[name]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Circuit breaker not found",
		})
		return
	}

	cb.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"name":    name,
	})
}
