package geocache

import (
	"context"
	"time"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// DurableStore is the geo-indexed system of record used when the cache
// cannot answer. Results must be ordered nearest first.
type DurableStore interface {
	FindNearby(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error)
}

// Announcer broadcasts a recorded position to other processes.
type Announcer interface {
	Announce(ctx context.Context, pos events.ProviderPosition) bool
}

// AnnounceFunc adapts a function to Announcer.
type AnnounceFunc func(ctx context.Context, pos events.ProviderPosition) bool

// Announce calls f.
func (f AnnounceFunc) Announce(ctx context.Context, pos events.ProviderPosition) bool {
	return f(ctx, pos)
}
