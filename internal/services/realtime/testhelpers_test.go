package realtime

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// mockPositions implements Positions for testing.
type mockPositions struct {
	RecordPositionFn func(ctx context.Context, providerID string, lat, lon float64, observedAt time.Time) bool
	NearbyFn         func(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition
	TrackFn          func(ctx context.Context, providerID string) (events.ProviderPosition, bool)
}

func (m *mockPositions) RecordPosition(ctx context.Context, providerID string, lat, lon float64, observedAt time.Time) bool {
	return m.RecordPositionFn(ctx, providerID, lat, lon, observedAt)
}

func (m *mockPositions) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition {
	return m.NearbyFn(ctx, lat, lon, radiusKm, limit)
}

func (m *mockPositions) Track(ctx context.Context, providerID string) (events.ProviderPosition, bool) {
	return m.TrackFn(ctx, providerID)
}

type sent struct {
	Queue     string
	EventType string
	Payload   any
}

// recordingSender implements Sender and remembers every call.
type recordingSender struct {
	mu     sync.Mutex
	result bool
	calls  []sent
}

func (s *recordingSender) Send(ctx context.Context, queue, eventType string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sent{queue, eventType, payload})
	return s.result
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.calls...)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, newRedisClient(t, mr)
}

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// localSocket is a socket with no connection, for hub tests.
func localSocket(userID, userType string) *socket {
	return newSocket(nil, events.Namespace, Identity{UserID: userID, UserType: userType}, slog.Default())
}

func receiveFrame(t *testing.T, s *socket) frame {
	t.Helper()
	select {
	case body := <-s.send:
		var f frame
		require.NoError(t, json.Unmarshal(body, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return frame{}
	}
}
