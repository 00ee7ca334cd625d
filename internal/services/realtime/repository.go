package realtime

import (
	"context"
	"time"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// Positions is the live position cache.
// This interface is satisfied by geocache.Cache.
type Positions interface {
	RecordPosition(ctx context.Context, providerID string, lat, lon float64, observedAt time.Time) bool
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition
	Track(ctx context.Context, providerID string) (events.ProviderPosition, bool)
}

// Sender publishes an event, falling back to the outbox.
// This interface is satisfied by the events client.
type Sender interface {
	Send(ctx context.Context, queue, eventType string, payload any) bool
}

// HealthCheck reports whether one backend is usable.
type HealthCheck func(ctx context.Context) error
