package tier

import (
	"fmt"
	"strings"

	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
)

// defaultPlanTiers maps billing plan names to rate-limit tiers.
var defaultPlanTiers = map[string]ratelimit.Tier{
	"free":       ratelimit.TierFree,
	"starter":    ratelimit.TierBasic,
	"basic":      ratelimit.TierBasic,
	"pro":        ratelimit.TierPremium,
	"premium":    ratelimit.TierPremium,
	"business":   ratelimit.TierEnterprise,
	"enterprise": ratelimit.TierEnterprise,
}

// PlanMapper turns a subscription plan name into a tier. Unknown plans map
// to the free tier.
type PlanMapper struct {
	plans map[string]ratelimit.Tier
}

// NewPlanMapper builds the default table with extra entries layered on top.
// An extra entry naming an unknown tier is a configuration error.
func NewPlanMapper(extra map[string]string) (*PlanMapper, error) {
	plans := make(map[string]ratelimit.Tier, len(defaultPlanTiers)+len(extra))
	for name, t := range defaultPlanTiers {
		plans[name] = t
	}

	for name, label := range extra {
		t, err := ratelimit.ParseTier(label)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", name, err)
		}
		plans[normalizePlan(name)] = t
	}

	return &PlanMapper{plans: plans}, nil
}

func (m *PlanMapper) TierFor(plan string) ratelimit.Tier {
	if t, ok := m.plans[normalizePlan(plan)]; ok {
		return t
	}
	return ratelimit.TierFree
}

func normalizePlan(plan string) string {
	return strings.ToLower(strings.TrimSpace(plan))
}
