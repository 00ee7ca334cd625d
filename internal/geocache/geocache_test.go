package geocache

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/roadside/internal/shared/domain/clock"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

const (
	portHarcourtLat = 4.8156
	portHarcourtLon = 7.0498
)

func TestRecordPosition_ThenTrack(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	observed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	ok := cache.RecordPosition(context.Background(), "mech-1", portHarcourtLat, portHarcourtLon, observed)
	require.True(t, ok)

	pos, found := cache.Track(context.Background(), "mech-1")
	require.True(t, found)
	assert.Equal(t, "mech-1", pos.ProviderID)
	assert.InDelta(t, portHarcourtLat, pos.Latitude, 1e-9)
	assert.InDelta(t, portHarcourtLon, pos.Longitude, 1e-9)
	assert.Equal(t, CellToken(portHarcourtLat, portHarcourtLon, 14), pos.CellToken)
	assert.Equal(t, observed.UnixMilli(), pos.ObservedAt)
}

func TestTrack_ExpiresWithTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)

	require.True(t, cache.RecordPosition(context.Background(), "mech-1", portHarcourtLat, portHarcourtLon, time.Now()))

	mr.FastForward(29 * time.Second)
	_, found := cache.Track(context.Background(), "mech-1")
	assert.True(t, found, "position should survive until its TTL")

	mr.FastForward(2 * time.Second)
	_, found = cache.Track(context.Background(), "mech-1")
	assert.False(t, found, "position should be gone after its TTL")
}

func TestRecordPosition_CellIndexExpiresBeforePosition(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)

	require.True(t, cache.RecordPosition(context.Background(), "mech-1", portHarcourtLat, portHarcourtLon, time.Now()))

	leaf := cellKey(CellToken(portHarcourtLat, portHarcourtLon, 14))
	assert.True(t, mr.Exists(leaf))
	assert.Equal(t, 15*time.Second, mr.TTL(leaf))
	assert.Equal(t, 30*time.Second, mr.TTL(positionKey("mech-1")))

	mr.FastForward(16 * time.Second)
	assert.False(t, mr.Exists(leaf))
	assert.True(t, mr.Exists(positionKey("mech-1")))
}

func TestRecordPosition_IndexesEveryLevel(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)

	require.True(t, cache.RecordPosition(context.Background(), "mech-1", portHarcourtLat, portHarcourtLon, time.Now()))

	for level := 14; level >= 8; level-- {
		key := cellKey(CellToken(portHarcourtLat, portHarcourtLon, level))
		members, err := mr.ZMembers(key)
		require.NoError(t, err, "level %d", level)
		assert.Equal(t, []string{"mech-1"}, members, "level %d", level)
	}
}

func TestRecordPosition_TrimsStaleIndexMembers(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	manual := clock.NewManualClock(start)
	clock.Set(manual)
	t.Cleanup(clock.Reset)

	mr, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	ctx := context.Background()

	// Each write refreshes the coarse cell before its TTL runs out.
	steps := []struct {
		id      string
		advance time.Duration
	}{
		{"old", 0}, {"a", 10 * time.Second}, {"b", 10 * time.Second}, {"c", 11 * time.Second},
	}
	for _, s := range steps {
		manual.Advance(s.advance)
		mr.FastForward(s.advance)
		require.True(t, cache.RecordPosition(ctx, s.id, portHarcourtLat, portHarcourtLon, clock.Now()))
	}

	coarse := cellKey(CellToken(portHarcourtLat, portHarcourtLon, 8))
	members, err := mr.ZMembers(coarse)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members, "members older than the position TTL must be trimmed")
}

func TestRecordPosition_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name       string
		providerID string
		lat, lon   float64
	}{
		{"latitude above range", "mech-1", 90.0001, 7},
		{"latitude below range", "mech-1", -91, 7},
		{"longitude above range", "mech-1", 4.8, 180.5},
		{"longitude below range", "mech-1", 4.8, -181},
		{"NaN latitude", "mech-1", math.NaN(), 7},
		{"infinite longitude", "mech-1", 4.8, math.Inf(1)},
		{"empty provider", "  ", 4.8, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, rdb := newTestRedis(t)
			announcer := &recordingAnnouncer{result: true}
			cache := newTestCache(rdb, nil, announcer)

			ok := cache.RecordPosition(context.Background(), tt.providerID, tt.lat, tt.lon, time.Now())
			cache.Wait()

			assert.False(t, ok)
			assert.Empty(t, mr.Keys(), "rejected input must not touch the cache")
			assert.Empty(t, announcer.calls(), "rejected input must not be announced")
		})
	}
}

func TestRecordPosition_AcceptsBoundaries(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)

	assert.True(t, cache.RecordPosition(context.Background(), "pole", 90, 180, time.Now()))
	assert.True(t, cache.RecordPosition(context.Background(), "antipole", -90, -180, time.Now()))
}

func TestRecordPosition_AnnouncesUpdate(t *testing.T) {
	_, rdb := newTestRedis(t)
	announcer := &recordingAnnouncer{result: true}
	cache := newTestCache(rdb, nil, announcer)

	require.True(t, cache.RecordPosition(context.Background(), "mech-1", portHarcourtLat, portHarcourtLon, time.Now()))
	cache.Wait()

	calls := announcer.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "mech-1", calls[0].ProviderID)
	assert.NotEmpty(t, calls[0].CellToken)
}

func TestRecordPosition_AnnouncesEvenWhenCacheDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	announcer := &recordingAnnouncer{result: false}
	cache := newTestCache(rdb, nil, announcer)
	mr.Close()

	ok := cache.RecordPosition(context.Background(), "mech-1", portHarcourtLat, portHarcourtLon, time.Now())
	cache.Wait()

	assert.False(t, ok, "write failure decides the result")
	assert.Len(t, announcer.calls(), 1, "broadcast happens regardless of write outcome")
}

func TestTrack_Unknown(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)

	_, found := cache.Track(context.Background(), "nobody")
	assert.False(t, found)

	_, found = cache.Track(context.Background(), "")
	assert.False(t, found)
}

func TestTrack_CacheDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	require.True(t, cache.RecordPosition(context.Background(), "mech-1", portHarcourtLat, portHarcourtLon, time.Now()))
	mr.Close()

	_, found := cache.Track(context.Background(), "mech-1")
	assert.False(t, found)
}

func TestTrack_UndecodablePosition(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	require.NoError(t, mr.Set(positionKey("mech-1"), "{not json"))

	_, found := cache.Track(context.Background(), "mech-1")
	assert.False(t, found)
}

func TestNearby_ScenarioRadiusCutoff(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	ctx := context.Background()

	require.True(t, cache.RecordPosition(ctx, "P1", portHarcourtLat, portHarcourtLon, time.Now()))
	require.True(t, cache.RecordPosition(ctx, "P2", kmNorth(portHarcourtLat, 20), portHarcourtLon, time.Now()))

	near := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, 5, 10)
	require.Len(t, near, 1)
	assert.Equal(t, "P1", near[0].ProviderID)
	assert.InDelta(t, 0, near[0].DistanceKm, 0.001)

	wide := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, 25, 10)
	require.Len(t, wide, 2)
	assert.Equal(t, "P1", wide[0].ProviderID)
	assert.Equal(t, "P2", wide[1].ProviderID)
	assert.InDelta(t, 20, wide[1].DistanceKm, 0.1)
}

func TestNearby_SortedAndLimited(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	ctx := context.Background()

	// Record out of distance order.
	for _, p := range []struct {
		id string
		km float64
	}{
		{"far", 4.0}, {"near", 0.2}, {"mid", 2.0}, {"midfar", 3.0}, {"close", 1.0},
	} {
		require.True(t, cache.RecordPosition(ctx, p.id, kmNorth(portHarcourtLat, p.km), portHarcourtLon, time.Now()))
	}

	got := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, 10, 3)
	require.LessOrEqual(t, len(got), 3)
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm, "results must be nearest first")
	}
	assert.Equal(t, "near", got[0].ProviderID)

	all := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, 10, 10)
	ids := make([]string, len(all))
	for i, p := range all {
		ids[i] = p.ProviderID
	}
	assert.Equal(t, []string{"near", "close", "mid", "midfar", "far"}, ids)
}

func TestNearby_SkipsIndexedIDWithoutPosition(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	ctx := context.Background()

	require.True(t, cache.RecordPosition(ctx, "gone", portHarcourtLat, portHarcourtLon, time.Now()))
	require.True(t, cache.RecordPosition(ctx, "here", kmNorth(portHarcourtLat, 1), portHarcourtLon, time.Now()))
	mr.Del(positionKey("gone"))

	got := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, 5, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "here", got[0].ProviderID)
}

func TestNearby_IgnoresStaleIndexEntries(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	ctx := context.Background()

	require.True(t, cache.RecordPosition(ctx, "ghost", portHarcourtLat, portHarcourtLon, time.Now()))
	require.True(t, cache.RecordPosition(ctx, "here", kmNorth(portHarcourtLat, 1), portHarcourtLon, time.Now()))

	// Age ghost's index entries past the position TTL while its position
	// key is still readable.
	old := float64(time.Now().Add(-time.Minute).UnixMilli())
	for _, token := range indexTokens(portHarcourtLat, portHarcourtLon, 14, 8) {
		require.NoError(t, rdb.ZAdd(ctx, cellKey(token), redis.Z{Score: old, Member: "ghost"}).Err())
	}

	got := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, 25, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "here", got[0].ProviderID)
}

func TestNearby_ClampsRadius(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	ctx := context.Background()

	require.True(t, cache.RecordPosition(ctx, "P1", portHarcourtLat, portHarcourtLon, time.Now()))

	for _, radius := range []float64{1e9, math.Inf(1)} {
		start := time.Now()
		got := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, radius, 10)
		assert.Less(t, time.Since(start), time.Second, "radius %v", radius)
		require.Len(t, got, 1, "radius %v", radius)
		assert.Equal(t, "P1", got[0].ProviderID)
	}

	assert.Empty(t, cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, math.NaN(), 10))
}

func TestNearby_ClampedRadiusReachesFallback(t *testing.T) {
	_, rdb := newTestRedis(t)
	var gotRadius float64
	store := &mockDurableStore{
		FindNearbyFn: func(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
			gotRadius = radiusKm
			return nil, nil
		},
	}
	cache := newTestCache(rdb, store, nil)

	assert.Empty(t, cache.Nearby(context.Background(), portHarcourtLat, portHarcourtLon, math.Inf(1), 10))
	assert.Equal(t, DefaultConfig().MaxRadiusKm, gotRadius)
}

func TestNearby_DeduplicatesProviderAcrossCells(t *testing.T) {
	_, rdb := newTestRedis(t)
	cache := newTestCache(rdb, nil, nil)
	ctx := context.Background()

	// Moving leaves the id in the old cell's set until it expires.
	require.True(t, cache.RecordPosition(ctx, "mover", portHarcourtLat, portHarcourtLon, time.Now()))
	require.True(t, cache.RecordPosition(ctx, "mover", kmNorth(portHarcourtLat, 2), portHarcourtLon, time.Now()))

	got := cache.Nearby(ctx, portHarcourtLat, portHarcourtLon, 10, 10)
	require.Len(t, got, 1)
	assert.InDelta(t, 2, got[0].DistanceKm, 0.05, "latest position wins")
}

func TestNearby_InvalidQuery(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := &mockDurableStore{
		FindNearbyFn: func(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
			t.Fatal("store should not be called for an invalid query")
			return nil, nil
		},
	}
	cache := newTestCache(rdb, store, nil)
	ctx := context.Background()

	assert.Empty(t, cache.Nearby(ctx, 95, 7, 5, 10))
	assert.Empty(t, cache.Nearby(ctx, 4.8, 7, 0, 10))
	assert.Empty(t, cache.Nearby(ctx, 4.8, 7, 5, 0))
}

func TestNearby_FallsBackWhenCacheDown(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	clock.Set(clock.FixedClock{Time: now})
	t.Cleanup(clock.Reset)

	mr, rdb := newTestRedis(t)
	var gotSince time.Time
	var gotLimit int
	store := &mockDurableStore{
		FindNearbyFn: func(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
			gotSince, gotLimit = since, limit
			return []events.ProviderPosition{
				{ProviderID: "b", Latitude: kmNorth(lat, 3), Longitude: lon, ObservedAt: now.UnixMilli()},
				{ProviderID: "a", Latitude: kmNorth(lat, 1), Longitude: lon, ObservedAt: now.UnixMilli()},
				{ProviderID: "stale", Latitude: lat, Longitude: lon, ObservedAt: now.Add(-time.Minute).UnixMilli()},
				{ProviderID: "outside", Latitude: kmNorth(lat, 9), Longitude: lon, ObservedAt: now.UnixMilli()},
			}, nil
		},
	}
	cache := newTestCache(rdb, store, nil)
	mr.Close()

	got := cache.Nearby(context.Background(), portHarcourtLat, portHarcourtLon, 5, 10)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ProviderID)
	assert.Equal(t, "b", got[1].ProviderID)
	assert.True(t, gotSince.Equal(now.Add(-30*time.Second)), "freshness window must match the position TTL")
	assert.Equal(t, 10, gotLimit)
}

func TestNearby_FallsBackWhenCacheEmpty(t *testing.T) {
	_, rdb := newTestRedis(t)
	called := false
	store := &mockDurableStore{
		FindNearbyFn: func(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
			called = true
			return []events.ProviderPosition{
				{ProviderID: "durable", Latitude: lat, Longitude: lon, ObservedAt: time.Now().UnixMilli()},
			}, nil
		},
	}
	cache := newTestCache(rdb, store, nil)

	got := cache.Nearby(context.Background(), portHarcourtLat, portHarcourtLon, 5, 10)

	assert.True(t, called)
	require.Len(t, got, 1)
	assert.Equal(t, "durable", got[0].ProviderID)
}

func TestNearby_FallbackLimited(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := &mockDurableStore{
		FindNearbyFn: func(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
			now := time.Now().UnixMilli()
			return []events.ProviderPosition{
				{ProviderID: "x", Latitude: kmNorth(lat, 1), Longitude: lon, ObservedAt: now},
				{ProviderID: "y", Latitude: kmNorth(lat, 2), Longitude: lon, ObservedAt: now},
				{ProviderID: "z", Latitude: kmNorth(lat, 3), Longitude: lon, ObservedAt: now},
			}, nil
		},
	}
	cache := newTestCache(rdb, store, nil)

	got := cache.Nearby(context.Background(), portHarcourtLat, portHarcourtLon, 5, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].ProviderID)
}

func TestNearby_BothPathsDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := &mockDurableStore{
		FindNearbyFn: func(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
			return nil, errors.New("mongo unreachable")
		},
	}
	cache := newTestCache(rdb, store, nil)
	mr.Close()

	assert.Empty(t, cache.Nearby(context.Background(), portHarcourtLat, portHarcourtLon, 5, 10))
}
