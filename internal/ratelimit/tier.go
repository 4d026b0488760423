package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var ErrUnknownTier = errors.New("unknown tier")

// Tier is a subscription level label.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// tierRank is the fixed ordering free < basic < premium < enterprise < admin.
var tierRank = map[Tier]int{
	TierFree:       0,
	TierBasic:      1,
	TierPremium:    2,
	TierEnterprise: 3,
	TierAdmin:      4,
}

// AllTiers returns every known tier in ascending order.
func AllTiers() []Tier {
	return []Tier{TierFree, TierBasic, TierPremium, TierEnterprise, TierAdmin}
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the position of t in the tier ordering, or -1 if unknown.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

func (t Tier) String() string {
	return string(t)
}

// CompareTiers returns -1, 0 or 1 as a is lower than, equal to or higher than b.
func CompareTiers(a, b Tier) int {
	ra, rb := a.Rank(), b.Rank()
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}

// TierConfig holds the baseline caps for one tier.
type TierConfig struct {
	Tier            Tier
	MaxRequests     int64
	Window          time.Duration
	BurstLimit      int64
	BurstWindow     time.Duration
	DailyLimit      int64
	ConcurrentLimit int64
}

func (c TierConfig) validate() error {
	if !c.Tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, c.Tier)
	}
	if c.MaxRequests <= 0 || c.BurstLimit <= 0 || c.DailyLimit <= 0 || c.ConcurrentLimit <= 0 {
		return fmt.Errorf("tier %s: all caps must be positive", c.Tier)
	}
	if c.Window <= 0 || c.BurstWindow <= 0 {
		return fmt.Errorf("tier %s: windows must be positive", c.Tier)
	}
	return nil
}

// DefaultTiers is the built-in catalog used when configuration does not
// supply one.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Tier: TierFree, MaxRequests: 60, Window: time.Minute, BurstLimit: 5, BurstWindow: time.Second, DailyLimit: 500, ConcurrentLimit: 2},
		{Tier: TierBasic, MaxRequests: 100, Window: time.Minute, BurstLimit: 10, BurstWindow: time.Second, DailyLimit: 1000, ConcurrentLimit: 5},
		{Tier: TierPremium, MaxRequests: 300, Window: time.Minute, BurstLimit: 30, BurstWindow: time.Second, DailyLimit: 10000, ConcurrentLimit: 15},
		{Tier: TierEnterprise, MaxRequests: 1000, Window: time.Minute, BurstLimit: 100, BurstWindow: time.Second, DailyLimit: 100000, ConcurrentLimit: 50},
		{Tier: TierAdmin, MaxRequests: 10000, Window: time.Minute, BurstLimit: 1000, BurstWindow: time.Second, DailyLimit: 1000000, ConcurrentLimit: 200},
	}
}

// EndpointOverride scales a tier's caps for requests under PathPrefix.
type EndpointOverride struct {
	PathPrefix string
	Multiplier float64
}

// Limits are the effective caps for one evaluation.
type Limits struct {
	MaxRequests     int64         `json:"max_requests"`
	Window          time.Duration `json:"window"`
	BurstLimit      int64         `json:"burst_limit"`
	BurstWindow     time.Duration `json:"burst_window"`
	DailyLimit      int64         `json:"daily_limit"`
	ConcurrentLimit int64         `json:"concurrent_limit"`
	Multiplier      float64       `json:"multiplier"`
	OverridePrefix  string        `json:"override_prefix,omitempty"`
}

// Scale multiplies the four numeric caps by m, flooring to an integer with a
// minimum of 1. Windows are unchanged.
func (l Limits) Scale(m float64) Limits {
	scale := func(v int64) int64 {
		n := int64(math.Floor(float64(v) * m))
		if n < 1 {
			return 1
		}
		return n
	}
	l.MaxRequests = scale(l.MaxRequests)
	l.BurstLimit = scale(l.BurstLimit)
	l.DailyLimit = scale(l.DailyLimit)
	l.ConcurrentLimit = scale(l.ConcurrentLimit)
	l.Multiplier *= m
	return l
}

// Catalog is the immutable tier table plus endpoint overrides.
type Catalog struct {
	tiers     map[Tier]TierConfig
	overrides []EndpointOverride
}

func NewCatalog(tiers []TierConfig, overrides []EndpointOverride) (*Catalog, error) {
	c := &Catalog{
		tiers:     make(map[Tier]TierConfig, len(tiers)),
		overrides: make([]EndpointOverride, 0, len(overrides)),
	}

	for _, tc := range tiers {
		if err := tc.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.tiers[tc.Tier]; dup {
			return nil, fmt.Errorf("tier %s configured twice", tc.Tier)
		}
		c.tiers[tc.Tier] = tc
	}
	for _, t := range AllTiers() {
		if _, ok := c.tiers[t]; !ok {
			return nil, fmt.Errorf("tier %s has no configuration", t)
		}
	}

	for _, o := range overrides {
		if o.PathPrefix == "" || !strings.HasPrefix(o.PathPrefix, "/") {
			return nil, fmt.Errorf("endpoint override prefix %q must start with /", o.PathPrefix)
		}
		if o.Multiplier <= 0 || math.IsNaN(o.Multiplier) || math.IsInf(o.Multiplier, 0) {
			return nil, fmt.Errorf("endpoint override %s: multiplier must be positive", o.PathPrefix)
		}
		c.overrides = append(c.overrides, o)
	}

	// Longest prefix first so the first match is the most specific one.
	sort.SliceStable(c.overrides, func(i, j int) bool {
		return len(c.overrides[i].PathPrefix) > len(c.overrides[j].PathPrefix)
	})

	return c, nil
}

func (c *Catalog) Tier(t Tier) (TierConfig, error) {
	tc, ok := c.tiers[t]
	if !ok {
		return TierConfig{}, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	return tc, nil
}

// MatchOverride returns the override with the longest prefix of path.
func (c *Catalog) MatchOverride(path string) (EndpointOverride, bool) {
	for _, o := range c.overrides {
		if strings.HasPrefix(path, o.PathPrefix) {
			return o, true
		}
	}
	return EndpointOverride{}, false
}

// Limits resolves the effective caps for a tier and request path.
func (c *Catalog) Limits(t Tier, path string, applyOverrides bool) (Limits, error) {
	tc, err := c.Tier(t)
	if err != nil {
		return Limits{}, err
	}

	limits := Limits{
		MaxRequests:     tc.MaxRequests,
		Window:          tc.Window,
		BurstLimit:      tc.BurstLimit,
		BurstWindow:     tc.BurstWindow,
		DailyLimit:      tc.DailyLimit,
		ConcurrentLimit: tc.ConcurrentLimit,
		Multiplier:      1,
	}

	if !applyOverrides {
		return limits, nil
	}

	if o, ok := c.MatchOverride(path); ok {
		limits = limits.Scale(o.Multiplier)
		limits.OverridePrefix = o.PathPrefix
	}

	return limits, nil
}
