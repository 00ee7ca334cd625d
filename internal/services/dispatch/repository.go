package dispatch

import (
	"context"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// Locator answers position queries.
// This interface is satisfied by geocache.Cache.
type Locator interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition
	Track(ctx context.Context, providerID string) (events.ProviderPosition, bool)
}

// SnapshotWriter persists the latest position of a provider.
// This interface is owned by the dispatch package.
// Infrastructure adapters (e.g., mongo) implement this interface.
type SnapshotWriter interface {
	UpsertSnapshot(ctx context.Context, pos events.ProviderPosition) error
}

// Notifier sends a notification to one recipient.
// This interface is satisfied by the events client.
type Notifier interface {
	Notify(ctx context.Context, data events.NotificationData) bool
}
