package ratelimit

import (
	"time"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonBlocked                 Reason = "blocked"
	ReasonWindowLimitExceeded     Reason = "window_limit_exceeded"
	ReasonBurstLimitExceeded      Reason = "burst_limit_exceeded"
	ReasonDailyLimitExceeded      Reason = "daily_limit_exceeded"
	ReasonConcurrentLimitExceeded Reason = "concurrent_limit_exceeded"
	ReasonStoreUnavailable        Reason = "store_unavailable"
)

// IsViolation reports whether a denial for this reason counts as abuse.
func (r Reason) IsViolation() bool {
	switch r {
	case ReasonWindowLimitExceeded, ReasonBurstLimitExceeded, ReasonDailyLimitExceeded:
		return true
	default:
		return false
	}
}

// Remaining is the quota left in each category after a decision.
type Remaining struct {
	Window     int64 `json:"window"`
	Burst      int64 `json:"burst"`
	Daily      int64 `json:"daily"`
	Concurrent int64 `json:"concurrent"`
}

// Decision is the outcome of one admission evaluation.
//
// Tracked is true when the admission incremented the concurrent counter and
// therefore must be paired with exactly one Release call.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	Reason            Reason    `json:"reason,omitempty"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	Remaining         Remaining `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	Tier              Tier      `json:"tier"`
	Limits            Limits    `json:"limits"`
	Tracked           bool      `json:"-"`
	Degraded          bool      `json:"degraded,omitempty"`
	Bypassed          bool      `json:"bypassed,omitempty"`
	BonusActive       bool      `json:"bonus_active,omitempty"`
}

func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterSeconds) * time.Second
}

// retrySeconds rounds a millisecond wait up to whole seconds, minimum 1.
func retrySeconds(ms int64) int64 {
	if ms <= 0 {
		return 1
	}
	return (ms + 999) / 1000
}

func clampRemaining(limit, used int64) int64 {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}
