package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	//go:embed scripts/admit.lua
	admitSource string
	//go:embed scripts/release.lua
	releaseSource string
	//go:embed scripts/update_tier.lua
	updateTierSource string
	//go:embed scripts/reclaim.lua
	reclaimSource string
	//go:embed scripts/reset.lua
	resetSource string

	admitScript      = redis.NewScript(admitSource)
	releaseScript    = redis.NewScript(releaseSource)
	updateTierScript = redis.NewScript(updateTierSource)
	reclaimScript    = redis.NewScript(reclaimSource)
	resetScript      = redis.NewScript(resetSource)
)

const defaultKeyPrefix = "rl:"

// RedisStore keeps one hash per admission key. Every mutation runs as a Lua
// script so concurrent evaluators for the same key are serialized by Redis.
type RedisStore struct {
	redis  *storage.RedisClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the namespace for all store keys (default "rl:").
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(redis *storage.RedisClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		redis:  redis,
		prefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordKey(key string) string {
	return s.prefix + "rec:" + key
}

func (s *RedisStore) endpointKey(key string) string {
	return s.prefix + "ep:" + key
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "keys"
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *RedisStore) Admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	keys := []string{s.recordKey(req.Key), s.endpointKey(req.Key), s.indexKey()}

	raw, err := s.redis.Run(ctx, admitScript, keys,
		req.Now.UnixMilli(),
		string(req.Tier),
		req.Limits.MaxRequests,
		req.Limits.Window.Milliseconds(),
		req.Limits.BurstLimit,
		req.Limits.BurstWindow.Milliseconds(),
		req.Limits.DailyLimit,
		req.Limits.ConcurrentLimit,
		req.NextDailyReset.UnixMilli(),
		boolArg(req.Burst),
		boolArg(req.Daily),
		boolArg(req.Concurrent),
		req.Blocking.Threshold,
		req.Blocking.BaseDuration.Milliseconds(),
		req.Blocking.MaxDuration.Milliseconds(),
		req.Blocking.ViolationWindow.Milliseconds(),
		req.Endpoint,
		req.Key,
	).Result()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit %s: %w", req.Key, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 10 {
		return AdmitResult{}, errors.New("invalid admit script response")
	}

	reason, _ := values[1].(string)
	res := AdmitResult{
		Allowed:        toInt64(values[0]) == 1,
		Reason:         Reason(reason),
		RetryAfter:     time.Duration(toInt64(values[2])) * time.Millisecond,
		WindowStart:    time.UnixMilli(toInt64(values[3])),
		WindowRequests: toInt64(values[4]),
		BurstRequests:  toInt64(values[5]),
		DailyRequests:  toInt64(values[6]),
		ActiveRequests: toInt64(values[7]),
		Violations:     toInt64(values[8]),
	}
	if blocked := toInt64(values[9]); blocked > 0 {
		t := time.UnixMilli(blocked)
		res.BlockedUntil = &t
	}

	return res, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) (int64, error) {
	n, err := s.redis.Run(ctx, releaseScript, []string{s.recordKey(key)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(key))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	endpoints, err := s.redis.HGetAll(ctx, s.endpointKey(key))
	if err != nil {
		return nil, fmt.Errorf("get endpoints %s: %w", key, err)
	}

	rec := &Record{
		Key:              key,
		Tier:             Tier(fields["tier"]),
		WindowStart:      msField(fields, "window_start"),
		WindowRequests:   intField(fields, "window_requests"),
		WindowLength:     time.Duration(intField(fields, "window_ms")) * time.Millisecond,
		BurstWindowStart: msField(fields, "burst_start"),
		BurstRequests:    intField(fields, "burst_requests"),
		BurstLength:      time.Duration(intField(fields, "burst_ms")) * time.Millisecond,
		DailyRequests:    intField(fields, "daily_requests"),
		DailyResetAt:     msField(fields, "daily_reset_at"),
		ActiveRequests:   intField(fields, "active"),
		Violations:       intField(fields, "violations"),
		RecentViolations: intField(fields, "recent_violations"),
		BlockedUntil:     optionalMsField(fields, "blocked_until"),
		LastRequestAt:    optionalMsField(fields, "last_request_at"),
		LastViolationAt:  optionalMsField(fields, "last_violation_at"),
		CreatedAt:        msField(fields, "created_at"),
	}

	if len(endpoints) > 0 {
		rec.EndpointCounts = make(map[string]int64, len(endpoints))
		for bucket, v := range endpoints {
			n, _ := strconv.ParseInt(v, 10, 64)
			rec.EndpointCounts[bucket] = n
		}
	}

	return rec, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) (bool, error) {
	keys := []string{s.recordKey(key), s.endpointKey(key), s.indexKey()}
	n, err := s.redis.Run(ctx, resetScript, keys, key).Int64()
	if err != nil {
		return false, fmt.Errorf("reset %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) UpdateTier(ctx context.Context, key string, tier Tier) (bool, error) {
	n, err := s.redis.Run(ctx, updateTierScript, []string{s.recordKey(key)}, string(tier)).Int64()
	if err != nil {
		return false, fmt.Errorf("update tier %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReclaimIfExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	keys := []string{s.recordKey(key), s.endpointKey(key), s.indexKey()}
	n, err := s.redis.Run(ctx, reclaimScript, keys, now.UnixMilli(), key).Int64()
	if err != nil {
		return false, fmt.Errorf("reclaim %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ScanKeys(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	return s.redis.SScan(ctx, s.indexKey(), cursor, "", count)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func intField(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}

func msField(fields map[string]string, name string) time.Time {
	return time.UnixMilli(intField(fields, name))
}

func optionalMsField(fields map[string]string, name string) *time.Time {
	ms := intField(fields, name)
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
