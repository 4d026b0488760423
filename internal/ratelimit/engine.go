package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/circuitbreaker"
	"go.uber.org/zap"
)

// Options are the feature flags and policies the engine evaluates with.
type Options struct {
	EnableBurst      bool
	EnableDaily      bool
	EnableConcurrent bool
	EnableOverrides  bool

	// FailOpen admits requests untracked when the store cannot be reached.
	// When false those requests are denied with ReasonStoreUnavailable.
	FailOpen bool

	DailyResetHourUTC int
	Blocking          BlockingPolicy

	Whitelist           []string
	Blacklist           []string
	BlacklistRetryAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		EnableBurst:         true,
		EnableDaily:         true,
		EnableConcurrent:    true,
		EnableOverrides:     true,
		FailOpen:            true,
		Blocking:            DefaultBlockingPolicy(),
		BlacklistRetryAfter: time.Hour,
	}
}

// BonusChecker reports whether a user is inside an upgrade bonus window.
type BonusChecker interface {
	Active(ctx context.Context, userID string, now time.Time) (bool, error)
}

// DecisionRecorder observes every decision the engine returns.
type DecisionRecorder interface {
	RecordDecision(tier Tier, d Decision)
}

type noopRecorder struct{}

func (noopRecorder) RecordDecision(Tier, Decision) {}

// Engine evaluates admission requests against the record store.
type Engine struct {
	store   Store
	catalog *Catalog
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	breaker *circuitbreaker.CircuitBreaker

	bonus           BonusChecker
	bonusMultiplier float64
	recorder        DecisionRecorder

	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithBreaker guards store admissions with cb. Release is never guarded.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(e *Engine) {
		e.breaker = cb
	}
}

func WithBonus(b BonusChecker, multiplier float64) Option {
	return func(e *Engine) {
		e.bonus = b
		e.bonusMultiplier = multiplier
	}
}

func WithRecorder(r DecisionRecorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func NewEngine(store Store, catalog *Catalog, opts Options, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if catalog == nil {
		return nil, errors.New("ratelimit: catalog is required")
	}
	if opts.DailyResetHourUTC < 0 || opts.DailyResetHourUTC > 23 {
		return nil, fmt.Errorf("ratelimit: daily reset hour %d out of range", opts.DailyResetHourUTC)
	}
	if opts.Blocking.Threshold > 0 && (opts.Blocking.BaseDuration <= 0 || opts.Blocking.MaxDuration < opts.Blocking.BaseDuration) {
		return nil, errors.New("ratelimit: blocking durations must be positive and max >= base")
	}

	e := &Engine{
		store:     store,
		catalog:   catalog,
		opts:      opts,
		logger:    zap.NewNop(),
		now:       time.Now,
		recorder:  noopRecorder{},
		whitelist: toSet(opts.Whitelist),
		blacklist: toSet(opts.Blacklist),
	}
	for _, o := range options {
		o(e)
	}
	if e.bonusMultiplier <= 0 {
		e.bonusMultiplier = 1
	}

	return e, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func (e *Engine) listed(set map[string]struct{}, key string) bool {
	if len(set) == 0 {
		return false
	}
	if _, ok := set[key]; ok {
		return true
	}
	for _, id := range KeyIdentities(key) {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// EffectiveLimits resolves the caps for a key, tier and endpoint, including
// any endpoint override and upgrade bonus. The bool reports whether the
// bonus was applied.
func (e *Engine) EffectiveLimits(ctx context.Context, key string, tier Tier, endpoint string) (Limits, bool, error) {
	limits, err := e.catalog.Limits(tier, endpoint, e.opts.EnableOverrides)
	if err != nil {
		return Limits{}, false, err
	}

	if e.bonus == nil || e.bonusMultiplier == 1 {
		return limits, false, nil
	}
	user := KeyUser(key)
	if user == "" {
		return limits, false, nil
	}

	active, err := e.bonus.Active(ctx, user, e.now())
	if err != nil {
		// The bonus is informational; evaluation continues without it.
		e.logger.Warn("upgrade bonus lookup failed", zap.String("user", user), zap.Error(err))
		return limits, false, nil
	}
	if !active {
		return limits, false, nil
	}

	return limits.Scale(e.bonusMultiplier), true, nil
}

// Evaluate decides whether one request for key may proceed. An error is
// returned for configuration problems such as an unknown tier and when ctx
// is done before the store answers. Store failures are resolved by the
// fail-open policy; a caller that went away never takes that path.
func (e *Engine) Evaluate(ctx context.Context, key string, tier Tier, endpoint string) (Decision, error) {
	limits, bonus, err := e.EffectiveLimits(ctx, key, tier, endpoint)
	if err != nil {
		return Decision{}, err
	}
	now := e.now()

	d, err := e.evaluate(ctx, key, tier, endpoint, limits, now)
	if err != nil {
		return Decision{}, err
	}
	d.Tier = tier
	d.Limits = limits
	d.BonusActive = bonus

	e.recorder.RecordDecision(tier, d)
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, key string, tier Tier, endpoint string, limits Limits, now time.Time) (Decision, error) {
	if e.listed(e.blacklist, key) {
		retry := e.opts.BlacklistRetryAfter
		if retry <= 0 {
			retry = time.Hour
		}
		return Decision{
			Reason:            ReasonBlocked,
			RetryAfterSeconds: retrySeconds(retry.Milliseconds()),
			ResetAt:           now.Add(retry),
		}, nil
	}

	if e.listed(e.whitelist, key) {
		return Decision{
			Allowed:   true,
			Bypassed:  true,
			Remaining: fullRemaining(limits),
			ResetAt:   now.Add(limits.Window),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return Decision{}, fmt.Errorf("evaluate %s: %w", key, err)
	}

	req := AdmitRequest{
		Key:            key,
		Tier:           tier,
		Endpoint:       EndpointBucket(endpoint),
		Limits:         limits,
		Now:            now,
		NextDailyReset: e.nextDailyReset(now),
		Burst:          e.opts.EnableBurst,
		Daily:          e.opts.EnableDaily,
		Concurrent:     e.opts.EnableConcurrent,
		Blocking:       e.opts.Blocking,
	}

	res, err := e.admit(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, fmt.Errorf("evaluate %s: %w", key, ctxErr)
		}
		return e.storeFailure(key, limits, now, err), nil
	}

	d := Decision{
		Allowed:   res.Allowed,
		Reason:    res.Reason,
		Remaining: e.remaining(limits, res),
		ResetAt:   res.WindowStart.Add(limits.Window),
		Tracked:   res.Allowed,
	}
	if !res.Allowed {
		d.RetryAfterSeconds = retrySeconds(res.RetryAfter.Milliseconds())
		if res.Reason == ReasonBlocked && res.BlockedUntil != nil {
			d.ResetAt = *res.BlockedUntil
		}
		if res.Reason.IsViolation() && res.BlockedUntil != nil && res.BlockedUntil.After(now) {
			e.logger.Info("caller blocked",
				zap.String("key", key),
				zap.Int64("violations", res.Violations),
				zap.Time("blocked_until", *res.BlockedUntil),
			)
		}
	}

	return d, nil
}

func (e *Engine) admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	if e.breaker == nil {
		return e.store.Admit(ctx, req)
	}

	var res AdmitResult
	err := e.breaker.Call(func() error {
		var err error
		res, err = e.store.Admit(ctx, req)
		return err
	})
	return res, err
}

func (e *Engine) storeFailure(key string, limits Limits, now time.Time, err error) Decision {
	if e.opts.FailOpen {
		e.logger.Warn("admission store unavailable, failing open",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{
			Allowed:   true,
			Degraded:  true,
			Remaining: fullRemaining(limits),
			ResetAt:   now.Add(limits.Window),
		}
	}

	e.logger.Error("admission store unavailable, failing closed",
		zap.String("key", key),
		zap.Error(err),
	)
	return Decision{
		Reason:            ReasonStoreUnavailable,
		RetryAfterSeconds: 1,
		Degraded:          true,
		ResetAt:           now.Add(time.Second),
	}
}

func (e *Engine) remaining(limits Limits, res AdmitResult) Remaining {
	return Remaining{
		Window:     clampRemaining(limits.MaxRequests, res.WindowRequests),
		Burst:      clampRemaining(limits.BurstLimit, res.BurstRequests),
		Daily:      clampRemaining(limits.DailyLimit, res.DailyRequests),
		Concurrent: clampRemaining(limits.ConcurrentLimit, res.ActiveRequests),
	}
}

func fullRemaining(limits Limits) Remaining {
	return Remaining{
		Window:     limits.MaxRequests,
		Burst:      limits.BurstLimit,
		Daily:      limits.DailyLimit,
		Concurrent: limits.ConcurrentLimit,
	}
}

// Release frees the concurrency slot taken by a tracked admission.
func (e *Engine) Release(ctx context.Context, key string) error {
	n, err := e.store.Release(ctx, key)
	if err != nil {
		e.logger.Warn("release failed", zap.String("key", key), zap.Error(err))
		return err
	}
	if n < 0 {
		e.logger.Debug("release for unknown key", zap.String("key", key))
	}
	return nil
}

// ResetLimits clears counters, violations and blocks for key. Requests
// already in flight keep their concurrency slots until they release.
func (e *Engine) ResetLimits(ctx context.Context, key string) (bool, error) {
	existed, err := e.store.Reset(ctx, key)
	if err != nil {
		return false, err
	}
	e.logger.Info("rate limits reset", zap.String("key", key), zap.Bool("existed", existed))
	return existed, nil
}

// Status is a read-only view of a key's admission state with elapsed
// periods already applied.
type Status struct {
	Key            string           `json:"key"`
	Tier           Tier             `json:"tier"`
	StoredTier     Tier             `json:"stored_tier,omitempty"`
	Exists         bool             `json:"exists"`
	Limits         Limits           `json:"limits"`
	WindowRequests int64            `json:"window_requests"`
	BurstRequests  int64            `json:"burst_requests"`
	DailyRequests  int64            `json:"daily_requests"`
	ActiveRequests int64            `json:"active_requests"`
	Violations     int64            `json:"violations"`
	Remaining      Remaining        `json:"remaining"`
	WindowResetAt  time.Time        `json:"window_reset_at"`
	DailyResetAt   time.Time        `json:"daily_reset_at"`
	Blocked        bool             `json:"blocked"`
	BlockedUntil   *time.Time       `json:"blocked_until,omitempty"`
	EndpointCounts map[string]int64 `json:"endpoint_counts,omitempty"`
	LastRequestAt  *time.Time       `json:"last_request_at,omitempty"`
	BonusActive    bool             `json:"bonus_active"`
	Whitelisted    bool             `json:"whitelisted,omitempty"`
	Blacklisted    bool             `json:"blacklisted,omitempty"`
}

// GetStatus reports counters and remaining quota for key without mutating
// anything.
func (e *Engine) GetStatus(ctx context.Context, key string, tier Tier, endpoint string) (Status, error) {
	limits, bonus, err := e.EffectiveLimits(ctx, key, tier, endpoint)
	if err != nil {
		return Status{}, err
	}
	now := e.now()

	st := Status{
		Key:          key,
		Tier:         tier,
		Limits:       limits,
		BonusActive:  bonus,
		Whitelisted:  e.listed(e.whitelist, key),
		Blacklisted:  e.listed(e.blacklist, key),
		DailyResetAt: e.nextDailyReset(now),
	}

	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("get status %s: %w", key, err)
	}
	if rec == nil {
		st.Remaining = fullRemaining(limits)
		st.WindowResetAt = now.Add(limits.Window)
		return st, nil
	}

	st.Exists = true
	st.StoredTier = rec.Tier
	st.ActiveRequests = rec.ActiveRequests
	st.Violations = rec.Violations
	st.EndpointCounts = rec.EndpointCounts
	st.LastRequestAt = rec.LastRequestAt

	if now.Sub(rec.WindowStart) < limits.Window {
		st.WindowRequests = rec.WindowRequests
		st.WindowResetAt = rec.WindowStart.Add(limits.Window)
	} else {
		st.WindowResetAt = now.Add(limits.Window)
	}
	if now.Sub(rec.BurstWindowStart) < limits.BurstWindow {
		st.BurstRequests = rec.BurstRequests
	}
	if now.Before(rec.DailyResetAt) {
		st.DailyRequests = rec.DailyRequests
		st.DailyResetAt = rec.DailyResetAt
	}
	if rec.BlockedUntil != nil && rec.BlockedUntil.After(now) {
		st.Blocked = true
		st.BlockedUntil = rec.BlockedUntil
	}

	st.Remaining = Remaining{
		Window:     clampRemaining(limits.MaxRequests, st.WindowRequests),
		Burst:      clampRemaining(limits.BurstLimit, st.BurstRequests),
		Daily:      clampRemaining(limits.DailyLimit, st.DailyRequests),
		Concurrent: clampRemaining(limits.ConcurrentLimit, st.ActiveRequests),
	}

	return st, nil
}

// nextDailyReset returns the first daily boundary strictly after now.
func (e *Engine) nextDailyReset(now time.Time) time.Time {
	utc := now.UTC()
	boundary := time.Date(utc.Year(), utc.Month(), utc.Day(), e.opts.DailyResetHourUTC, 0, 0, 0, time.UTC)
	if !boundary.After(utc) {
		boundary = boundary.Add(24 * time.Hour)
	}
	return boundary
}
