package tier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"github.com/aman-churiwal/tier-gate/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidTTL = errors.New("tier cache ttl must be positive")

const (
	noSubscription = "none"
	globalScope    = "_"

	// generationTTL bounds how long an idle user's generation counter lives.
	generationTTL = 24 * time.Hour
)

// fillScript writes a cache entry only if no invalidation happened since the
// caller read the generation, and records the entry in the user's scope set.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
redis.call('SADD', KEYS[3], KEYS[1])
if redis.call('PTTL', KEYS[3]) < ttl then
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return 1
`)

// invalidateScript bumps the generation and drops the entry for one scope,
// or with ARGV[2] == '1' every entry listed in the user's scope set.
var invalidateScript = redis.NewScript(`
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[3])
if ARGV[2] ~= '1' then
  redis.call('SREM', KEYS[2], KEYS[3])
  return 1
end
local keys = redis.call('SMEMBERS', KEYS[2])
for _, k in ipairs(keys) do
  redis.call('DEL', k)
end
redis.call('DEL', KEYS[2])
return #keys
`)

// SubscriptionLookup is the subscription data source behind the cache.
type SubscriptionLookup interface {
	FindActive(ctx context.Context, userID, scope string, now time.Time) (*models.Subscription, error)
	FindActiveMany(ctx context.Context, userIDs []string, scope string, now time.Time) (map[string]*models.Subscription, error)
}

// Cache is a Redis read-through cache of subscription-derived tiers.
//
// Every user has a generation counter. Readers capture it before the
// lookup and the fill is dropped if Invalidate bumped it in the meantime, so
// a lookup that started before a downgrade can never re-cache the old tier.
type Cache struct {
	redis  *storage.RedisClient
	lookup SubscriptionLookup
	plans  *PlanMapper
	logger *zap.Logger
	now    func() time.Time
	group  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(redis *storage.RedisClient, lookup SubscriptionLookup, plans *PlanMapper, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		redis:  redis,
		lookup: lookup,
		plans:  plans,
		logger: logger,
		now:    time.Now,
	}
}

func valueKey(userID, scope string) string {
	if scope == "" {
		scope = globalScope
	}
	return "tiercache:v:" + userID + ":" + scope
}

func generationKey(userID string) string {
	return "tiercache:gen:" + userID
}

// scopesKey names the set of value keys cached for a user.
func scopesKey(userID string) string {
	return "tiercache:s:" + userID
}

type cacheEntry struct {
	tier ratelimit.Tier
	ok   bool
}

// decode returns the cached entry and whether the raw value was usable.
func decode(raw interface{}) (cacheEntry, bool) {
	s, isString := raw.(string)
	if !isString {
		return cacheEntry{}, false
	}
	if s == noSubscription {
		return cacheEntry{}, true
	}
	t, err := ratelimit.ParseTier(s)
	if err != nil {
		return cacheEntry{}, false
	}
	return cacheEntry{tier: t, ok: true}, true
}

func encode(e cacheEntry) string {
	if !e.ok {
		return noSubscription
	}
	return string(e.tier)
}

func generationOf(raw interface{}) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return "0"
}

// GetTierCached returns the subscription tier for a user in scope. The bool
// is false when the user holds no active subscription there.
func (c *Cache) GetTierCached(ctx context.Context, userID, scope string, ttl time.Duration) (ratelimit.Tier, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	vals, err := c.redis.MGet(ctx, valueKey(userID, scope), generationKey(userID))
	if err != nil {
		return "", false, fmt.Errorf("read tier cache: %w", err)
	}
	if entry, ok := decode(vals[0]); ok {
		c.hits.Add(1)
		return entry.tier, entry.ok, nil
	}
	c.misses.Add(1)

	// Callers that read different generations never share a lookup, so a
	// resolve that follows Invalidate cannot get the pre-change tier back.
	gen := generationOf(vals[1])
	v, err, _ := c.group.Do(userID+"\x00"+scope+"\x00"+gen, func() (interface{}, error) {
		sub, err := c.lookup.FindActive(ctx, userID, scope, c.now())
		if err != nil {
			return cacheEntry{}, fmt.Errorf("subscription lookup for %s: %w", userID, err)
		}

		entry := cacheEntry{}
		if sub != nil {
			entry = cacheEntry{tier: c.plans.TierFor(sub.PlanName), ok: true}
		}

		keys := []string{valueKey(userID, scope), generationKey(userID), scopesKey(userID)}
		if err := c.redis.Run(ctx, fillScript, keys, gen, encode(entry), ttl.Milliseconds()).Err(); err != nil {
			c.logger.Warn("tier cache fill failed", zap.String("user", userID), zap.Error(err))
		}
		return entry, nil
	})
	if err != nil {
		return "", false, err
	}

	entry := v.(cacheEntry)
	return entry.tier, entry.ok, nil
}

// ResolveMany returns subscription tiers for many users in one scope. Cache
// misses are resolved with a single batched lookup and written back. Users
// without a subscription are absent from the result.
func (c *Cache) ResolveMany(ctx context.Context, userIDs []string, scope string, ttl time.Duration) (map[string]ratelimit.Tier, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	userIDs = dedupe(userIDs)
	result := make(map[string]ratelimit.Tier, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	keys := make([]string, 0, 2*len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, valueKey(id, scope))
	}
	for _, id := range userIDs {
		keys = append(keys, generationKey(id))
	}

	vals, err := c.redis.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("read tier cache: %w", err)
	}

	var misses []string
	gens := make(map[string]string)
	for i, id := range userIDs {
		if entry, ok := decode(vals[i]); ok {
			c.hits.Add(1)
			if entry.ok {
				result[id] = entry.tier
			}
			continue
		}
		c.misses.Add(1)
		misses = append(misses, id)
		gens[id] = generationOf(vals[len(userIDs)+i])
	}
	if len(misses) == 0 {
		return result, nil
	}

	subs, err := c.lookup.FindActiveMany(ctx, misses, scope, c.now())
	if err != nil {
		return nil, fmt.Errorf("batch subscription lookup: %w", err)
	}

	pipe := c.redis.Pipeline()
	for _, id := range misses {
		entry := cacheEntry{}
		if sub, ok := subs[id]; ok && sub != nil {
			entry = cacheEntry{tier: c.plans.TierFor(sub.PlanName), ok: true}
			result[id] = entry.tier
		}
		fillScript.Eval(ctx, pipe, []string{valueKey(id, scope), generationKey(id), scopesKey(id)}, gens[id], encode(entry), ttl.Milliseconds())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("tier cache backfill failed", zap.Int("entries", len(misses)), zap.Error(err))
	}

	return result, nil
}

// Invalidate drops the cached tier for a user in scope and fences off any
// fill already in flight. An empty scope drops every scope of the user.
func (c *Cache) Invalidate(ctx context.Context, userID, scope string) error {
	all := "0"
	if scope == "" {
		all = "1"
	}
	keys := []string{generationKey(userID), scopesKey(userID), valueKey(userID, scope)}
	if err := c.redis.Run(ctx, invalidateScript, keys, generationTTL.Milliseconds(), all).Err(); err != nil {
		return fmt.Errorf("invalidate tier cache for %s: %w", userID, err)
	}
	return nil
}

// Stats reports cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
