package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/tier-gate/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 5, 10, 9, 15, 0, 0, time.UTC)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *storage.RedisClient) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return server, storage.NewRedisFromClient(client)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testCatalog returns the default catalog with the free tier replaced by cfg.
func testCatalog(t *testing.T, free TierConfig, overrides ...EndpointOverride) *Catalog {
	t.Helper()

	tiers := DefaultTiers()
	free.Tier = TierFree
	tiers[0] = free

	catalog, err := NewCatalog(tiers, overrides)
	require.NoError(t, err)
	return catalog
}
