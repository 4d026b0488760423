package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"github.com/aman-churiwal/tier-gate/internal/tier"
	"github.com/gin-gonic/gin"
)

const (
	maxBatchSize     = 1000
	defaultPageLimit = 50
	maxPageLimit     = 500
)

type TierChanger interface {
	Apply(ctx context.Context, ch tier.TierChange) (*tier.ChangeResult, error)
	ApplyBatch(ctx context.Context, changes []tier.TierChange) tier.BatchResult
}

type ChangeHistory interface {
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.TierChangeLog, error)
}

type BulkResolver interface {
	ResolveMany(ctx context.Context, userIDs []string, scope string) (map[string]ratelimit.Tier, error)
}

// Handles tier change events and tier lookups for the admin console
type TierHandler struct {
	changes  TierChanger
	history  ChangeHistory
	resolver BulkResolver
}

func NewTierHandler(changes TierChanger, history ChangeHistory, resolver BulkResolver) *TierHandler {
	return &TierHandler{
		changes:  changes,
		history:  history,
		resolver: resolver,
	}
}

type ChangeTierRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	OldTier string `json:"old_tier" binding:"required"`
	NewTier string `json:"new_tier" binding:"required"`
	Scope   string `json:"scope"`
	Reason  string `json:"reason"`
}

func (r ChangeTierRequest) change() tier.TierChange {
	return tier.TierChange{
		UserID:  r.UserID,
		OldTier: ratelimit.Tier(r.OldTier),
		NewTier: ratelimit.Tier(r.NewTier),
		Scope:   r.Scope,
		Reason:  r.Reason,
	}
}

func isInputError(err error) bool {
	return errors.Is(err, tier.ErrMissingUser) || errors.Is(err, ratelimit.ErrUnknownTier)
}

// Applies one tier transition
func (h *TierHandler) Change(c *gin.Context) {
	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.changes.Apply(c.Request.Context(), req.change())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case isInputError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case result != nil:
		// The audit entry exists; a later step failed.
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, result)
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply tier change"})
	}
}

type BatchChangeRequest struct {
	Changes []ChangeTierRequest `json:"changes" binding:"required,min=1"`
}

// Applies many tier transitions independently. Responds 207 when only some
// of them succeeded.
func (h *TierHandler) ChangeBatch(c *gin.Context) {
	var req BatchChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Changes) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "batch too large",
			"max":   maxBatchSize,
		})
		return
	}

	changes := make([]tier.TierChange, len(req.Changes))
	for i, r := range req.Changes {
		changes[i] = r.change()
	}

	result := h.changes.ApplyBatch(c.Request.Context(), changes)

	status := http.StatusOK
	if result.Failed > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

// Lists a user's tier change log, newest first
func (h *TierHandler) History(c *gin.Context) {
	userID := c.Param("userId")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	entries, err := h.history.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tier changes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"changes": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

type ResolveRequest struct {
	UserIDs []string `json:"user_ids" binding:"required,min=1"`
	Scope   string   `json:"scope"`
}

// Resolves subscription tiers for many users in one call
func (h *TierHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.UserIDs) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "too many user ids",
			"max":   maxBatchSize,
		})
		return
	}

	tiers, err := h.resolver.ResolveMany(c.Request.Context(), req.UserIDs, req.Scope)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve tiers"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}
