package tier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *storage.RedisClient) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return server, storage.NewRedisFromClient(client)
}

// fakeSubscriptions is an in-memory SubscriptionLookup keyed by user and
// scope. The optional gate blocks FindActive until it is closed.
type fakeSubscriptions struct {
	mu          sync.Mutex
	plans       map[string]string
	single      int
	batch       int
	batchSizes  []int
	gate        chan struct{}
	enteredOnce sync.Once
	entered     chan struct{}
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{
		plans:   make(map[string]string),
		entered: make(chan struct{}),
	}
}

func subKey(userID, scope string) string {
	return userID + "|" + scope
}

func (f *fakeSubscriptions) set(userID, scope, plan string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[subKey(userID, scope)] = plan
}

func (f *fakeSubscriptions) counts() (single, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.single, f.batch
}

func (f *fakeSubscriptions) FindActive(_ context.Context, userID, scope string, now time.Time) (*models.Subscription, error) {
	f.mu.Lock()
	f.single++
	plan, ok := f.plans[subKey(userID, scope)]
	gate := f.gate
	f.mu.Unlock()

	f.enteredOnce.Do(func() { close(f.entered) })
	if gate != nil {
		<-gate
	}

	if !ok {
		return nil, nil
	}
	return &models.Subscription{UserID: userID, CreatorID: scope, PlanName: plan, ExpiresAt: now.Add(time.Hour)}, nil
}

func (f *fakeSubscriptions) FindActiveMany(_ context.Context, userIDs []string, scope string, now time.Time) (map[string]*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch++
	f.batchSizes = append(f.batchSizes, len(userIDs))

	out := make(map[string]*models.Subscription)
	for _, id := range userIDs {
		if plan, ok := f.plans[subKey(id, scope)]; ok {
			out[id] = &models.Subscription{UserID: id, CreatorID: scope, PlanName: plan, ExpiresAt: now.Add(time.Hour)}
		}
	}
	return out, nil
}

func newTestCache(t *testing.T) (*Cache, *fakeSubscriptions, *miniredis.Miniredis) {
	t.Helper()

	server, rdb := newTestRedis(t)
	subs := newFakeSubscriptions()
	plans, err := NewPlanMapper(nil)
	require.NoError(t, err)

	return NewCache(rdb, subs, plans, nil), subs, server
}
