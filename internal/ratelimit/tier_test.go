package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" Premium ")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)

	_, err = ParseTier("gold")
	assert.True(t, errors.Is(err, ErrUnknownTier))
}

func TestCompareTiers(t *testing.T) {
	assert.Equal(t, -1, CompareTiers(TierFree, TierBasic))
	assert.Equal(t, 1, CompareTiers(TierAdmin, TierEnterprise))
	assert.Equal(t, 0, CompareTiers(TierPremium, TierPremium))
}

func TestTierOrderingProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	tiers := AllTiers()

	properties.Property("comparison is antisymmetric", prop.ForAll(
		func(i, j int) bool {
			return CompareTiers(tiers[i], tiers[j]) == -CompareTiers(tiers[j], tiers[i])
		},
		gen.IntRange(0, len(tiers)-1),
		gen.IntRange(0, len(tiers)-1),
	))

	properties.Property("AllTiers is ascending", prop.ForAll(
		func(i int) bool {
			return CompareTiers(tiers[i], tiers[i+1]) < 0
		},
		gen.IntRange(0, len(tiers)-2),
	))

	properties.TestingRun(t)
}

func TestNewCatalog_Validation(t *testing.T) {
	_, err := NewCatalog(DefaultTiers()[:4], nil)
	assert.Error(t, err, "admin tier missing")

	bad := DefaultTiers()
	bad[0].BurstLimit = 0
	_, err = NewCatalog(bad, nil)
	assert.Error(t, err)

	_, err = NewCatalog(DefaultTiers(), []EndpointOverride{{PathPrefix: "api", Multiplier: 2}})
	assert.Error(t, err)

	_, err = NewCatalog(DefaultTiers(), []EndpointOverride{{PathPrefix: "/api", Multiplier: 0}})
	assert.Error(t, err)
}

func TestCatalog_LongestPrefixWins(t *testing.T) {
	catalog, err := NewCatalog(DefaultTiers(), []EndpointOverride{
		{PathPrefix: "/api/upload", Multiplier: 0.5},
		{PathPrefix: "/api/upload/bulk", Multiplier: 2},
	})
	require.NoError(t, err)

	o, ok := catalog.MatchOverride("/api/upload/bulk/x")
	require.True(t, ok)
	assert.Equal(t, "/api/upload/bulk", o.PathPrefix)
	assert.Equal(t, 2.0, o.Multiplier)

	limits, err := catalog.Limits(TierBasic, "/api/upload/bulk/x", true)
	require.NoError(t, err)
	assert.Equal(t, int64(200), limits.MaxRequests)
	assert.Equal(t, int64(20), limits.BurstLimit)
	assert.Equal(t, int64(2000), limits.DailyLimit)
	assert.Equal(t, int64(10), limits.ConcurrentLimit)

	limits, err = catalog.Limits(TierBasic, "/api/upload/single", true)
	require.NoError(t, err)
	assert.Equal(t, int64(50), limits.MaxRequests)
	assert.Equal(t, int64(2), limits.ConcurrentLimit, "floor of 2.5")

	limits, err = catalog.Limits(TierBasic, "/api/upload/bulk/x", false)
	require.NoError(t, err)
	assert.Equal(t, int64(100), limits.MaxRequests)
	assert.Empty(t, limits.OverridePrefix)
}

func TestCatalog_OverrideOrderIndependent(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("declaration order never changes the match", prop.ForAll(
		func(suffix string, reversed bool) bool {
			overrides := []EndpointOverride{
				{PathPrefix: "/api", Multiplier: 3},
				{PathPrefix: "/api/upload", Multiplier: 0.5},
				{PathPrefix: "/api/upload/bulk", Multiplier: 2},
			}
			if reversed {
				overrides[0], overrides[2] = overrides[2], overrides[0]
			}
			catalog, err := NewCatalog(DefaultTiers(), overrides)
			if err != nil {
				return false
			}
			o, ok := catalog.MatchOverride("/api/upload/bulk/" + suffix)
			return ok && o.PathPrefix == "/api/upload/bulk"
		},
		gen.Identifier(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestLimits_ScaleFloorsToOne(t *testing.T) {
	l := Limits{MaxRequests: 3, BurstLimit: 1, DailyLimit: 10, ConcurrentLimit: 1, Window: time.Minute, Multiplier: 1}
	scaled := l.Scale(0.1)

	assert.Equal(t, int64(1), scaled.MaxRequests)
	assert.Equal(t, int64(1), scaled.BurstLimit)
	assert.Equal(t, int64(1), scaled.DailyLimit)
	assert.Equal(t, int64(1), scaled.ConcurrentLimit)
	assert.Equal(t, time.Minute, scaled.Window)
}

func TestBlockingPolicy_BlockDuration(t *testing.T) {
	p := DefaultBlockingPolicy()

	assert.Zero(t, p.BlockDuration(4))
	assert.Equal(t, time.Minute, p.BlockDuration(5))
	assert.Equal(t, 2*time.Minute, p.BlockDuration(6))
	assert.Equal(t, 8*time.Minute, p.BlockDuration(8))
	assert.Equal(t, time.Hour, p.BlockDuration(50))
}
