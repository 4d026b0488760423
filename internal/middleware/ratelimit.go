package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"github.com/aman-churiwal/tier-gate/internal/tier"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	TierHeader  = "X-Tier"
	ScopeHeader = "X-Subscription-Scope"

	tierKey     = "tier"
	decisionKey = "ratelimit_decision"
)

type Admitter interface {
	Evaluate(ctx context.Context, key string, t ratelimit.Tier, endpoint string) (ratelimit.Decision, error)
	Release(ctx context.Context, key string) error
}

type TierResolver interface {
	ResolveTier(ctx context.Context, rc tier.RequestContext) ratelimit.Tier
}

type RateLimitConfig struct {
	KeyStrategy    ratelimit.KeyStrategy
	ReleaseTimeout time.Duration // Default: 2 seconds
	Logger         *zap.Logger
}

// RateLimit gates every request through the admission engine. Admitted
// requests that took a concurrency slot release it when the handler chain
// returns, whatever the outcome.
func RateLimit(engine Admitter, resolver TierResolver, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		wallet := Wallet(c)

		t := resolver.ResolveTier(ctx, tier.RequestContext{
			ExplicitTier: c.GetString(explicitTierKey),
			UserID:       wallet,
			Scope:        c.GetHeader(ScopeHeader),
			TierHeader:   c.GetHeader(TierHeader),
		})
		key := ratelimit.GenerateKey(ratelimit.KeyInput{Wallet: wallet, IP: c.ClientIP()}, cfg.KeyStrategy)

		d, err := engine.Evaluate(ctx, key, t, c.Request.URL.Path)
		if err != nil && ctx.Err() != nil {
			// The client is gone; nothing was admitted and nobody reads a reply.
			logger.Debug("caller left before admission", zap.String("key", key), zap.Error(err))
			c.Abort()
			return
		}
		if err != nil {
			logger.Error("admission evaluation failed",
				zap.String("key", key),
				zap.String("tier", string(t)),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Rate limit check failed",
			})
			return
		}

		c.Set(tierKey, string(t))
		c.Set(decisionKey, d)
		setRateLimitHeaders(c, d)

		if !d.Allowed {
			c.Header("Retry-After", strconv.FormatInt(d.RetryAfterSeconds, 10))
			status := http.StatusTooManyRequests
			if d.Reason == ratelimit.ReasonStoreUnavailable {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":       "Rate limit exceeded",
				"reason":      d.Reason,
				"tier":        d.Tier,
				"limit":       d.Limits.MaxRequests,
				"retry_after": d.RetryAfterSeconds,
				"reset_at":    d.ResetAt.Unix(),
			})
			return
		}

		if d.Tracked {
			defer func() {
				// The request context may already be cancelled by a client
				// disconnect; the slot still has to be returned.
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ReleaseTimeout)
				defer cancel()
				if err := engine.Release(rctx, key); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("failed to release concurrency slot", zap.String("key", key), zap.Error(err))
				}
			}()
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limits.MaxRequests, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining.Window, 10))
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	c.Header("X-RateLimit-Tier", string(d.Tier))
	if d.BonusActive {
		c.Header("X-RateLimit-Bonus", "active")
	}
	if d.Degraded {
		c.Header("X-RateLimit-Degraded", "true")
	}
}

// Decision returns the admission decision attached by RateLimit.
func Decision(c *gin.Context) (ratelimit.Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return ratelimit.Decision{}, false
	}
	d, ok := v.(ratelimit.Decision)
	return d, ok
}

// RateLimitKey computes the admission key for the current caller the same
// way RateLimit does.
func RateLimitKey(c *gin.Context, strategy ratelimit.KeyStrategy) string {
	return ratelimit.GenerateKey(ratelimit.KeyInput{Wallet: Wallet(c), IP: c.ClientIP()}, strategy)
}
