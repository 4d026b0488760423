package ratelimit

import (
	"context"
	"time"
)

// Record is the persisted per-key admission state.
type Record struct {
	Key              string           `json:"key"`
	Tier             Tier             `json:"tier"`
	WindowStart      time.Time        `json:"window_start"`
	WindowRequests   int64            `json:"window_requests"`
	WindowLength     time.Duration    `json:"window_length"`
	BurstWindowStart time.Time        `json:"burst_window_start"`
	BurstRequests    int64            `json:"burst_requests"`
	BurstLength      time.Duration    `json:"burst_length"`
	DailyRequests    int64            `json:"daily_requests"`
	DailyResetAt     time.Time        `json:"daily_reset_at"`
	ActiveRequests   int64            `json:"active_requests"`
	Violations       int64            `json:"violations"`
	RecentViolations int64            `json:"recent_violations"`
	BlockedUntil     *time.Time       `json:"blocked_until,omitempty"`
	EndpointCounts   map[string]int64 `json:"endpoint_counts,omitempty"`
	LastRequestAt    *time.Time       `json:"last_request_at,omitempty"`
	LastViolationAt  *time.Time       `json:"last_violation_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Expired reports whether every time-bounded piece of state is stale and no
// request is in flight.
func (r *Record) Expired(now time.Time) bool {
	if r.ActiveRequests > 0 {
		return false
	}
	if now.Sub(r.WindowStart) < r.WindowLength || now.Sub(r.BurstWindowStart) < r.BurstLength {
		return false
	}
	if now.Before(r.DailyResetAt) {
		return false
	}
	return r.BlockedUntil == nil || !r.BlockedUntil.After(now)
}

// BlockingPolicy maps recent violations to a block duration.
//
// With Threshold t, a caller whose recent violation count n reaches t is
// blocked for BaseDuration * 2^(n-t), capped at MaxDuration. The recent
// count resets once ViolationWindow has elapsed since it started.
type BlockingPolicy struct {
	Threshold       int64
	BaseDuration    time.Duration
	MaxDuration     time.Duration
	ViolationWindow time.Duration
}

func DefaultBlockingPolicy() BlockingPolicy {
	return BlockingPolicy{
		Threshold:       5,
		BaseDuration:    time.Minute,
		MaxDuration:     time.Hour,
		ViolationWindow: 10 * time.Minute,
	}
}

// BlockDuration returns the block length for a recent violation count, or 0.
func (p BlockingPolicy) BlockDuration(recent int64) time.Duration {
	if p.Threshold <= 0 || recent < p.Threshold {
		return 0
	}
	d := p.BaseDuration
	for i := p.Threshold; i < recent; i++ {
		d *= 2
		if d >= p.MaxDuration {
			return p.MaxDuration
		}
	}
	if d > p.MaxDuration {
		return p.MaxDuration
	}
	return d
}

// AdmitRequest is everything the store needs to run one evaluation
// atomically.
type AdmitRequest struct {
	Key            string
	Tier           Tier
	Endpoint       string
	Limits         Limits
	Now            time.Time
	NextDailyReset time.Time
	Burst          bool
	Daily          bool
	Concurrent     bool
	Blocking       BlockingPolicy
}

// AdmitResult is the post-evaluation state of the record.
type AdmitResult struct {
	Allowed        bool
	Reason         Reason
	RetryAfter     time.Duration
	WindowStart    time.Time
	WindowRequests int64
	BurstRequests  int64
	DailyRequests  int64
	ActiveRequests int64
	Violations     int64
	BlockedUntil   *time.Time
}

// Store is the single source of truth for admission records. Admit must run
// the whole check-and-increment sequence as one indivisible operation.
type Store interface {
	Admit(ctx context.Context, req AdmitRequest) (AdmitResult, error)
	// Release decrements the in-flight counter, never below zero. It returns
	// the new count, or -1 when the record does not exist.
	Release(ctx context.Context, key string) (int64, error)
	// Get returns nil, nil when the record does not exist.
	Get(ctx context.Context, key string) (*Record, error)
	// Reset drops counters, violations and any block for key but keeps the
	// in-flight count. It reports whether there was state to reset.
	Reset(ctx context.Context, key string) (bool, error)
	UpdateTier(ctx context.Context, key string, tier Tier) (bool, error)
	// ReclaimIfExpired deletes the record when Record.Expired holds,
	// checked and deleted atomically.
	ReclaimIfExpired(ctx context.Context, key string, now time.Time) (bool, error)
	ScanKeys(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
	Ping(ctx context.Context) error
}
