package geocache

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// mockDurableStore implements DurableStore for testing.
type mockDurableStore struct {
	FindNearbyFn func(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error)
}

func (m *mockDurableStore) FindNearby(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
	return m.FindNearbyFn(ctx, lat, lon, radiusKm, since, limit)
}

// recordingAnnouncer implements Announcer and remembers every call.
type recordingAnnouncer struct {
	mu     sync.Mutex
	result bool
	seen   []events.ProviderPosition
}

func (a *recordingAnnouncer) Announce(ctx context.Context, pos events.ProviderPosition) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, pos)
	return a.result
}

func (a *recordingAnnouncer) calls() []events.ProviderPosition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]events.ProviderPosition(nil), a.seen...)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTestCache(rdb redis.Cmdable, store DurableStore, announcer Announcer) *Cache {
	return New(rdb, store, announcer, DefaultConfig(), nil, slog.Default())
}

// kmNorth returns the latitude reached by moving km due north.
func kmNorth(lat, km float64) float64 {
	return lat + km/111.195
}
