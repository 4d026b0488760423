package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/storage"
)

// BonusTracker records upgrade timestamps for the temporary limit bonus.
//
// Only the first upgrade inside a subscription term is recorded, and a
// downgrade revokes the bonus for the rest of the term, so toggling tiers
// never restarts or revives the window.
type BonusTracker struct {
	redis  *storage.RedisClient
	window time.Duration
	term   time.Duration
}

func NewBonusTracker(redis *storage.RedisClient, window, term time.Duration) (*BonusTracker, error) {
	if window <= 0 {
		return nil, errors.New("bonus window must be positive")
	}
	if term < window {
		return nil, errors.New("bonus term must be at least the bonus window")
	}
	return &BonusTracker{redis: redis, window: window, term: term}, nil
}

func (b *BonusTracker) firstKey(userID string) string {
	return "tierbonus:first:" + userID
}

func (b *BonusTracker) revokedKey(userID string) string {
	return "tierbonus:revoked:" + userID
}

// MarkUpgrade records at as the user's upgrade time unless an upgrade is
// already recorded for the current term. It reports whether at was stored.
func (b *BonusTracker) MarkUpgrade(ctx context.Context, userID string, at time.Time) (bool, error) {
	ok, err := b.redis.SetNX(ctx, b.firstKey(userID), at.UnixMilli(), b.term)
	if err != nil {
		return false, fmt.Errorf("mark upgrade for %s: %w", userID, err)
	}
	return ok, nil
}

// Revoke ends the bonus for the remainder of the term.
func (b *BonusTracker) Revoke(ctx context.Context, userID string) error {
	if err := b.redis.Set(ctx, b.revokedKey(userID), 1, b.term); err != nil {
		return fmt.Errorf("revoke bonus for %s: %w", userID, err)
	}
	return nil
}

// FirstUpgrade returns the recorded upgrade time, or nil.
func (b *BonusTracker) FirstUpgrade(ctx context.Context, userID string) (*time.Time, error) {
	vals, err := b.redis.MGet(ctx, b.firstKey(userID))
	if err != nil {
		return nil, fmt.Errorf("first upgrade for %s: %w", userID, err)
	}
	return parseMillis(vals[0]), nil
}

func (b *BonusTracker) Active(ctx context.Context, userID string, now time.Time) (bool, error) {
	vals, err := b.redis.MGet(ctx, b.firstKey(userID), b.revokedKey(userID))
	if err != nil {
		return false, fmt.Errorf("bonus state for %s: %w", userID, err)
	}
	if vals[1] != nil {
		return false, nil
	}

	first := parseMillis(vals[0])
	if first == nil {
		return false, nil
	}
	return !now.Before(*first) && now.Sub(*first) < b.window, nil
}

func parseMillis(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
