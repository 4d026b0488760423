package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/aman-churiwal/tier-gate/internal/metrics"
	"github.com/aman-churiwal/tier-gate/internal/middleware"
	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"github.com/aman-churiwal/tier-gate/internal/tier"
	"github.com/gin-gonic/gin"
)

type StatusEngine interface {
	GetStatus(ctx context.Context, key string, t ratelimit.Tier, endpoint string) (ratelimit.Status, error)
	ResetLimits(ctx context.Context, key string) (bool, error)
}

type SnapshotSource interface {
	Snapshot(ctx context.Context) (metrics.Snapshot, error)
}

// Serves admission status to callers and the admin console
type RateLimitHandler struct {
	engine    StatusEngine
	resolver  middleware.TierResolver
	snapshots SnapshotSource
	strategy  ratelimit.KeyStrategy
}

func NewRateLimitHandler(engine StatusEngine, resolver middleware.TierResolver, snapshots SnapshotSource, strategy ratelimit.KeyStrategy) *RateLimitHandler {
	return &RateLimitHandler{
		engine:    engine,
		resolver:  resolver,
		snapshots: snapshots,
		strategy:  strategy,
	}
}

func endpointParam(c *gin.Context) string {
	if ep := c.Query("endpoint"); strings.HasPrefix(ep, "/") {
		return ep
	}
	return "/"
}

// Returns the calling identity's own counters
func (h *RateLimitHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	key := middleware.RateLimitKey(c, h.strategy)

	// Status is served behind RateLimit, which already resolved the tier.
	d, ok := middleware.Decision(c)
	resolved := d.Tier
	if !ok || resolved == "" {
		resolved = h.resolver.ResolveTier(ctx, tier.RequestContext{UserID: middleware.Wallet(c)})
	}

	status, err := h.engine.GetStatus(ctx, key, resolved, endpointParam(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read rate limit status",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

func keyParam(c *gin.Context) string {
	// Wildcard param includes the leading slash
	return strings.TrimPrefix(c.Param("key"), "/")
}

// Returns the status of any admission key. The tier defaults to what the
// key's identity resolves to.
func (h *RateLimitHandler) AdminStatus(c *gin.Context) {
	ctx := c.Request.Context()
	key := keyParam(c)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	var t ratelimit.Tier
	if q := c.Query("tier"); q != "" {
		parsed, err := ratelimit.ParseTier(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t = parsed
	} else {
		t = h.resolver.ResolveTier(ctx, tier.RequestContext{UserID: ratelimit.KeyUser(key)})
	}

	status, err := h.engine.GetStatus(ctx, key, t, endpointParam(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read rate limit status",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// Deletes all admission state for a key
func (h *RateLimitHandler) Reset(c *gin.Context) {
	key := keyParam(c)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	existed, err := h.engine.ResetLimits(c.Request.Context(), key)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to reset rate limits",
		})
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "No admission record for key", "key": key})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Rate limits reset successfully",
		"key":     key,
	})
}

// Returns an aggregate view of every admission record
func (h *RateLimitHandler) Metrics(c *gin.Context) {
	snap, err := h.snapshots.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to collect rate limit metrics",
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}
