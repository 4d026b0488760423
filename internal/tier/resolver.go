package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"go.uber.org/zap"
)

// RequestContext is what the routing layer knows about a caller.
type RequestContext struct {
	// ExplicitTier was attached by an earlier step, e.g. a verified token.
	ExplicitTier string
	UserID       string
	Scope        string
	// TierHeader is client supplied and only honoured when the resolver
	// trusts it.
	TierHeader string
}

type Source interface {
	GetTierCached(ctx context.Context, userID, scope string, ttl time.Duration) (ratelimit.Tier, bool, error)
	ResolveMany(ctx context.Context, userIDs []string, scope string, ttl time.Duration) (map[string]ratelimit.Tier, error)
}

type ResolverConfig struct {
	DefaultTier ratelimit.Tier
	CacheTTL    time.Duration
	// TrustTierHeader lets internal callers pick a tier with a header. Never
	// enable it on a listener reachable by untrusted clients.
	TrustTierHeader bool
}

// Resolver picks the tier for a request: explicit tier, then cached
// subscription tier, then the trusted header, then the default.
type Resolver struct {
	source Source
	cfg    ResolverConfig
	logger *zap.Logger
}

func NewResolver(source Source, cfg ResolverConfig, logger *zap.Logger) (*Resolver, error) {
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = ratelimit.TierFree
	}
	if !cfg.DefaultTier.Valid() {
		return nil, fmt.Errorf("default tier: %w: %q", ratelimit.ErrUnknownTier, cfg.DefaultTier)
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTTL, cfg.CacheTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, cfg: cfg, logger: logger}, nil
}

// ResolveTier never fails: malformed input and lookup errors fall through to
// the next signal.
func (r *Resolver) ResolveTier(ctx context.Context, rc RequestContext) ratelimit.Tier {
	if rc.ExplicitTier != "" {
		if t, err := ratelimit.ParseTier(rc.ExplicitTier); err == nil {
			return t
		}
		r.logger.Debug("ignoring invalid explicit tier", zap.String("tier", rc.ExplicitTier))
	}

	if rc.UserID != "" && r.source != nil {
		t, ok, err := r.source.GetTierCached(ctx, rc.UserID, rc.Scope, r.cfg.CacheTTL)
		switch {
		case err != nil:
			r.logger.Warn("subscription tier lookup failed",
				zap.String("user", rc.UserID),
				zap.Error(err),
			)
		case ok:
			return t
		}
	}

	if r.cfg.TrustTierHeader && rc.TierHeader != "" {
		if t, err := ratelimit.ParseTier(rc.TierHeader); err == nil {
			return t
		}
	}

	return r.cfg.DefaultTier
}

// ResolveMany resolves subscription tiers for many users at once. Users
// without a subscription get the default tier.
func (r *Resolver) ResolveMany(ctx context.Context, userIDs []string, scope string) (map[string]ratelimit.Tier, error) {
	found, err := r.source.ResolveMany(ctx, userIDs, scope, r.cfg.CacheTTL)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ratelimit.Tier, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if t, ok := found[id]; ok {
			out[id] = t
		} else {
			out[id] = r.cfg.DefaultTier
		}
	}
	return out, nil
}
