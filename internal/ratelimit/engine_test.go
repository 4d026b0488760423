package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, catalog *Catalog, opts Options, extra ...Option) (*Engine, *RedisStore, *fakeClock) {
	t.Helper()

	_, rdb := newTestRedis(t)
	store := NewRedisStore(rdb)
	clock := newFakeClock()

	options := append([]Option{WithClock(clock.Now)}, extra...)
	engine, err := NewEngine(store, catalog, opts, options...)
	require.NoError(t, err)

	return engine, store, clock
}

func defaultCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(DefaultTiers(), nil)
	require.NoError(t, err)
	return catalog
}

func TestEngine_BasicTierBurstScenario(t *testing.T) {
	engine, _, clock := newTestEngine(t, defaultCatalog(t), DefaultOptions())
	ctx := context.Background()
	key := "wallet:ST1ABC"

	for i := 0; i < 10; i++ {
		d, err := engine.Evaluate(ctx, key, TierBasic, "/api/content")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, int64(9-i), d.Remaining.Burst)
		assert.True(t, d.Tracked)
		require.NoError(t, engine.Release(ctx, key))
		clock.Advance(50 * time.Millisecond)
	}

	d, err := engine.Evaluate(ctx, key, TierBasic, "/api/content")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBurstLimitExceeded, d.Reason)
	assert.LessOrEqual(t, d.RetryAfterSeconds, int64(1))
	assert.Positive(t, d.RetryAfterSeconds)
	assert.False(t, d.Tracked)
}

func TestEngine_NoOverrunUnderConcurrency(t *testing.T) {
	const (
		limit   = 10
		callers = 60
	)
	catalog := testCatalog(t, TierConfig{
		MaxRequests:     limit,
		Window:          time.Minute,
		BurstLimit:      1000,
		BurstWindow:     time.Second,
		DailyLimit:      1000,
		ConcurrentLimit: 1000,
	})
	engine, store, _ := newTestEngine(t, catalog, DefaultOptions())
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		denied  atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := engine.Evaluate(ctx, "wallet:racer", TierFree, "/api/content")
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
	assert.Equal(t, int64(callers-limit), denied.Load())

	rec, err := store.Get(ctx, "wallet:racer")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), rec.WindowRequests)
	assert.Equal(t, int64(limit), rec.ActiveRequests)
}

func TestEngine_WindowReset(t *testing.T) {
	catalog := testCatalog(t, TierConfig{
		MaxRequests:     2,
		Window:          time.Minute,
		BurstLimit:      100,
		BurstWindow:     time.Second,
		DailyLimit:      100,
		ConcurrentLimit: 100,
	})
	engine, store, clock := newTestEngine(t, catalog, DefaultOptions())
	ctx := context.Background()
	key := "wallet:ST1ABC"

	d, err := engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Remaining.Window)
	assert.True(t, testEpoch.Add(time.Minute).Equal(d.ResetAt))

	clock.Advance(time.Minute - time.Millisecond)
	d, err = engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining.Window, "same window one millisecond before expiry")

	clock.Advance(2 * time.Millisecond)
	d, err = engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining.Window, "fresh window one millisecond after expiry")

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, clock.Now().Equal(rec.WindowStart))
	assert.Equal(t, int64(1), rec.WindowRequests)
}

func TestEngine_OrderOfChecks(t *testing.T) {
	t.Run("burst before window", func(t *testing.T) {
		catalog := testCatalog(t, TierConfig{
			MaxRequests:     100,
			Window:          time.Minute,
			BurstLimit:      2,
			BurstWindow:     time.Second,
			DailyLimit:      100,
			ConcurrentLimit: 100,
		})
		engine, _, _ := newTestEngine(t, catalog, DefaultOptions())
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			d, err := engine.Evaluate(ctx, "wallet:a", TierFree, "/api")
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := engine.Evaluate(ctx, "wallet:a", TierFree, "/api")
		require.NoError(t, err)
		assert.Equal(t, ReasonBurstLimitExceeded, d.Reason)
	})

	t.Run("concurrent is not a violation", func(t *testing.T) {
		catalog := testCatalog(t, TierConfig{
			MaxRequests:     100,
			Window:          time.Minute,
			BurstLimit:      100,
			BurstWindow:     time.Second,
			DailyLimit:      100,
			ConcurrentLimit: 2,
		})
		engine, store, _ := newTestEngine(t, catalog, DefaultOptions())
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			d, err := engine.Evaluate(ctx, "wallet:b", TierFree, "/api")
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := engine.Evaluate(ctx, "wallet:b", TierFree, "/api")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonConcurrentLimitExceeded, d.Reason)

		rec, err := store.Get(ctx, "wallet:b")
		require.NoError(t, err)
		assert.Zero(t, rec.Violations)
		assert.Equal(t, int64(2), rec.WindowRequests, "denial must not charge any category")
	})

	t.Run("daily disabled is skipped", func(t *testing.T) {
		catalog := testCatalog(t, TierConfig{
			MaxRequests:     100,
			Window:          time.Minute,
			BurstLimit:      100,
			BurstWindow:     time.Second,
			DailyLimit:      1,
			ConcurrentLimit: 100,
		})
		opts := DefaultOptions()
		opts.EnableDaily = false
		engine, _, _ := newTestEngine(t, catalog, opts)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			d, err := engine.Evaluate(ctx, "wallet:c", TierFree, "/api")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
	})
}

func TestEngine_BlockSupersedesEverything(t *testing.T) {
	catalog := testCatalog(t, TierConfig{
		MaxRequests:     1,
		Window:          time.Second,
		BurstLimit:      100,
		BurstWindow:     time.Second,
		DailyLimit:      1000,
		ConcurrentLimit: 100,
	})
	opts := DefaultOptions()
	opts.Blocking = BlockingPolicy{
		Threshold:       2,
		BaseDuration:    time.Minute,
		MaxDuration:     time.Hour,
		ViolationWindow: 10 * time.Minute,
	}
	engine, store, clock := newTestEngine(t, catalog, opts)
	ctx := context.Background()
	key := "wallet:abuser"

	d, err := engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, engine.Release(ctx, key))

	d, err = engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	assert.Equal(t, ReasonWindowLimitExceeded, d.Reason)

	d, err = engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	assert.Equal(t, ReasonWindowLimitExceeded, d.Reason)
	assert.Equal(t, int64(60), d.RetryAfterSeconds, "retry reflects the new block")

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec.BlockedUntil)
	blockedUntil := *rec.BlockedUntil
	assert.True(t, blockedUntil.After(clock.Now()))

	// Window has reset, so only the block can deny.
	clock.Advance(30 * time.Second)
	d, err = engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	assert.Equal(t, ReasonBlocked, d.Reason)
	assert.Equal(t, int64(30), d.RetryAfterSeconds)

	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, blockedUntil.Equal(*rec.BlockedUntil), "blocked evaluations never move the block")
	assert.Equal(t, int64(2), rec.Violations)

	clock.Advance(31 * time.Second)
	d, err = engine.Evaluate(ctx, key, TierFree, "/api")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEngine_ReleaseSymmetry(t *testing.T) {
	engine, store, _ := newTestEngine(t, defaultCatalog(t), DefaultOptions())
	ctx := context.Background()
	key := "wallet:ST1ABC"

	require.NoError(t, engine.Release(ctx, key))
	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)

	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(ctx, key, TierPremium, "/api")
		require.NoError(t, err)
	}
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.ActiveRequests)

	for i := 0; i < 5; i++ {
		require.NoError(t, engine.Release(ctx, key))
	}
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.ActiveRequests)
}

func TestEngine_UnknownTier(t *testing.T) {
	engine, _, _ := newTestEngine(t, defaultCatalog(t), DefaultOptions())

	_, err := engine.Evaluate(context.Background(), "wallet:a", Tier("gold"), "/api")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestEngine_EndpointOverride(t *testing.T) {
	catalog, err := NewCatalog(DefaultTiers(), []EndpointOverride{
		{PathPrefix: "/api/upload", Multiplier: 0.5},
		{PathPrefix: "/api/upload/bulk", Multiplier: 2},
	})
	require.NoError(t, err)
	engine, _, _ := newTestEngine(t, catalog, DefaultOptions())

	d, err := engine.Evaluate(context.Background(), "wallet:a", TierBasic, "/api/upload/bulk/x")
	require.NoError(t, err)
	assert.Equal(t, int64(200), d.Limits.MaxRequests)
	assert.Equal(t, "/api/upload/bulk", d.Limits.OverridePrefix)
	assert.Equal(t, int64(199), d.Remaining.Window)
}

type failingStore struct {
	Store
	admits atomic.Int64
}

func (f *failingStore) Admit(context.Context, AdmitRequest) (AdmitResult, error) {
	f.admits.Add(1)
	return AdmitResult{}, errors.New("connection refused")
}

func TestEngine_StoreFailurePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("fail open", func(t *testing.T) {
		engine, err := NewEngine(&failingStore{}, defaultCatalog(t), DefaultOptions())
		require.NoError(t, err)

		d, err := engine.Evaluate(ctx, "wallet:a", TierBasic, "/api")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.False(t, d.Tracked, "untracked admissions must not be released")
	})

	t.Run("fail closed", func(t *testing.T) {
		opts := DefaultOptions()
		opts.FailOpen = false
		engine, err := NewEngine(&failingStore{}, defaultCatalog(t), opts)
		require.NoError(t, err)

		d, err := engine.Evaluate(ctx, "wallet:a", TierBasic, "/api")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonStoreUnavailable, d.Reason)
		assert.Equal(t, int64(1), d.RetryAfterSeconds)
	})

	t.Run("breaker stops calling the store", func(t *testing.T) {
		store := &failingStore{}
		cb := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 2, Timeout: time.Minute})
		engine, err := NewEngine(store, defaultCatalog(t), DefaultOptions(), WithBreaker(cb))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			d, err := engine.Evaluate(ctx, "wallet:a", TierBasic, "/api")
			require.NoError(t, err)
			assert.True(t, d.Degraded)
		}
		assert.Equal(t, int64(2), store.admits.Load())
		assert.Equal(t, circuitbreaker.StateOpen, cb.State())
	})
}

type cancellingStore struct {
	Store
	cancel context.CancelFunc
}

func (s *cancellingStore) Admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	s.cancel()
	<-ctx.Done()
	return AdmitResult{}, ctx.Err()
}

func TestEngine_CancelledCallersDoNotTripBreaker(t *testing.T) {
	catalog := testCatalog(t, TierConfig{
		MaxRequests:     3,
		Window:          time.Minute,
		BurstLimit:      100,
		BurstWindow:     time.Second,
		DailyLimit:      1000,
		ConcurrentLimit: 100,
	})
	cb := circuitbreaker.New(circuitbreaker.Config{
		Name:        "admission-store",
		MaxFailures: 5,
		Timeout:     time.Minute,
		IsFailure:   circuitbreaker.IgnoreCallerErrors,
	})
	engine, _, _ := newTestEngine(t, catalog, DefaultOptions(), WithBreaker(cb))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		_, err := engine.Evaluate(cancelled, fmt.Sprintf("wallet:gone-%d", i), TierFree, "/api")
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	ctx := context.Background()
	var allowed, degraded int
	for i := 0; i < 20; i++ {
		d, err := engine.Evaluate(ctx, "wallet:live", TierFree, "/api")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
		if d.Degraded {
			degraded++
		}
	}
	assert.Equal(t, 3, allowed)
	assert.Zero(t, degraded)
}

func TestEngine_CallerCancelledDuringAdmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingStore{cancel: cancel}
	cb := circuitbreaker.New(circuitbreaker.Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   circuitbreaker.IgnoreCallerErrors,
	})
	recorder := &countingRecorder{}
	engine, err := NewEngine(store, defaultCatalog(t), DefaultOptions(), WithBreaker(cb), WithRecorder(recorder))
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, "wallet:a", TierBasic, "/api")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, d.Allowed, "a caller that left is not admitted in degraded mode")
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	assert.Empty(t, recorder.reasons)
}

func TestEngine_WhitelistAndBlacklist(t *testing.T) {
	opts := DefaultOptions()
	opts.Whitelist = []string{"ST1TRUSTED", "10.0.0.9"}
	opts.Blacklist = []string{"ST1BANNED"}
	opts.BlacklistRetryAfter = 10 * time.Minute
	engine, store, _ := newTestEngine(t, defaultCatalog(t), opts)
	ctx := context.Background()

	d, err := engine.Evaluate(ctx, "wallet:ST1TRUSTED", TierFree, "/api")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Bypassed)
	assert.False(t, d.Tracked)

	d, err = engine.Evaluate(ctx, "combined:ST1OTHER:10.0.0.9", TierFree, "/api")
	require.NoError(t, err)
	assert.True(t, d.Bypassed)

	d, err = engine.Evaluate(ctx, "wallet:ST1BANNED", TierEnterprise, "/api")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlocked, d.Reason)
	assert.Equal(t, int64(600), d.RetryAfterSeconds)

	for _, key := range []string{"wallet:ST1TRUSTED", "wallet:ST1BANNED"} {
		rec, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, rec, key)
	}
}

func TestEngine_UpgradeBonus(t *testing.T) {
	_, rdb := newTestRedis(t)
	bonus, err := NewBonusTracker(rdb, 24*time.Hour, 30*24*time.Hour)
	require.NoError(t, err)

	clock := newFakeClock()
	engine, err := NewEngine(NewRedisStore(rdb), defaultCatalog(t), DefaultOptions(),
		WithClock(clock.Now), WithBonus(bonus, 1.5))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = bonus.MarkUpgrade(ctx, "ST1ABC", clock.Now())
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, "wallet:ST1ABC", TierPremium, "/api")
	require.NoError(t, err)
	assert.True(t, d.BonusActive)
	assert.Equal(t, int64(450), d.Limits.MaxRequests)

	d, err = engine.Evaluate(ctx, "ip:10.0.0.1", TierPremium, "/api")
	require.NoError(t, err)
	assert.False(t, d.BonusActive)

	clock.Advance(25 * time.Hour)
	d, err = engine.Evaluate(ctx, "wallet:ST1ABC", TierPremium, "/api")
	require.NoError(t, err)
	assert.False(t, d.BonusActive)
	assert.Equal(t, int64(300), d.Limits.MaxRequests)
}

func TestEngine_GetStatusIsReadOnly(t *testing.T) {
	engine, store, clock := newTestEngine(t, defaultCatalog(t), DefaultOptions())
	ctx := context.Background()
	key := "wallet:ST1ABC"

	st, err := engine.GetStatus(ctx, key, TierBasic, "/api")
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Equal(t, int64(100), st.Remaining.Window)

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec, "status must not create records")

	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(ctx, key, TierBasic, "/api/content")
		require.NoError(t, err)
	}

	before, err := store.Get(ctx, key)
	require.NoError(t, err)

	st, err = engine.GetStatus(ctx, key, TierBasic, "/api")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, int64(3), st.WindowRequests)
	assert.Equal(t, int64(97), st.Remaining.Window)
	assert.Equal(t, int64(2), st.Remaining.Concurrent)
	assert.False(t, st.Blocked)

	clock.Advance(2 * time.Minute)
	st, err = engine.GetStatus(ctx, key, TierBasic, "/api")
	require.NoError(t, err)
	assert.Zero(t, st.WindowRequests, "elapsed window reported as reset")
	assert.Equal(t, int64(3), st.DailyRequests)

	after, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEngine_ResetLimits(t *testing.T) {
	engine, store, _ := newTestEngine(t, defaultCatalog(t), DefaultOptions())
	ctx := context.Background()

	_, err := engine.Evaluate(ctx, "wallet:a", TierBasic, "/api")
	require.NoError(t, err)
	require.NoError(t, engine.Release(ctx, "wallet:a"))

	ok, err := engine.ResetLimits(ctx, "wallet:a")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := store.Get(ctx, "wallet:a")
	require.NoError(t, err)
	assert.Nil(t, rec)

	t.Run("in-flight requests keep their slots", func(t *testing.T) {
		d, err := engine.Evaluate(ctx, "wallet:b", TierBasic, "/api")
		require.NoError(t, err)
		require.True(t, d.Tracked)

		ok, err := engine.ResetLimits(ctx, "wallet:b")
		require.NoError(t, err)
		assert.True(t, ok)

		st, err := engine.GetStatus(ctx, "wallet:b", TierBasic, "/api")
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.ActiveRequests)
		assert.Zero(t, st.WindowRequests)

		require.NoError(t, engine.Release(ctx, "wallet:b"))
		st, err = engine.GetStatus(ctx, "wallet:b", TierBasic, "/api")
		require.NoError(t, err)
		assert.Zero(t, st.ActiveRequests)
	})
}

func TestEngine_NextDailyReset(t *testing.T) {
	opts := DefaultOptions()
	opts.DailyResetHourUTC = 12
	engine, _, _ := newTestEngine(t, defaultCatalog(t), opts)

	assert.Equal(t, time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC), engine.nextDailyReset(testEpoch))
	assert.Equal(t, time.Date(2024, 5, 11, 12, 0, 0, 0, time.UTC),
		engine.nextDailyReset(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)))
}

type countingRecorder struct {
	mu      sync.Mutex
	reasons []Reason
}

func (r *countingRecorder) RecordDecision(_ Tier, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, d.Reason)
}

func TestEngine_RecordsDecisions(t *testing.T) {
	rec := &countingRecorder{}
	engine, _, _ := newTestEngine(t, defaultCatalog(t), DefaultOptions(), WithRecorder(rec))

	_, err := engine.Evaluate(context.Background(), "wallet:a", TierBasic, "/api")
	require.NoError(t, err)
	assert.Equal(t, []Reason{ReasonNone}, rec.reasons)
}
