package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cornjacket/roadside/internal/router"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// ErrNotifyFailed is returned when a notification was neither published
// nor queued.
var ErrNotifyFailed = errors.New("notification not sent")

// Handlers reacts to every routed event.
type Handlers struct {
	locator   Locator
	snapshots SnapshotWriter
	notifier  Notifier
	logger    *slog.Logger
}

// NewHandlers creates Handlers. A nil snapshots skips durable writes.
func NewHandlers(locator Locator, snapshots SnapshotWriter, notifier Notifier, logger *slog.Logger) *Handlers {
	return &Handlers{
		locator:   locator,
		snapshots: snapshots,
		notifier:  notifier,
		logger:    logger.With("component", "dispatch-handlers"),
	}
}

// LocationUpdate persists the announced position as the provider's snapshot.
func (h *Handlers) LocationUpdate(ctx context.Context, pos events.ProviderPosition, _ router.Emitter) error {
	if h.snapshots == nil {
		return nil
	}
	if err := h.snapshots.UpsertSnapshot(ctx, pos); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	h.logger.Debug("updated provider snapshot", "provider_id", pos.ProviderID)
	return nil
}

// LocationNearby answers a user's nearby query over the socket.
func (h *Handlers) LocationNearby(ctx context.Context, q events.NearbyQuery, gw router.Emitter) error {
	found := h.locator.Nearby(ctx, q.Latitude, q.Longitude, q.RadiusKm, q.Limit)
	if found == nil {
		found = []events.ProviderPosition{}
	}

	h.logger.Info("sending nearby mechanics", "user_id", q.UserID, "count", len(found))
	return gw.Emit(ctx, events.Namespace, q.UserID, events.SocketNearbyMechanics, events.OK("Nearby mechanics", found))
}

// TrackProvider sends one provider's live position. Unknown or expired
// providers yield an empty object.
func (h *Handlers) TrackProvider(ctx context.Context, req events.TrackRequest, gw router.Emitter) error {
	var data any
	if pos, ok := h.locator.Track(ctx, req.ProviderID); ok {
		data = pos
	}

	h.logger.Info("tracking mechanic", "user_id", req.UserID, "mechanic_id", req.ProviderID)
	return gw.Emit(ctx, events.Namespace, req.UserID, events.SocketTrackMechanic, events.OK("Tracking mechanic", data))
}

// RequestMake notifies the provider a user asked for help.
func (h *Handlers) RequestMake(ctx context.Context, req events.JobRequest, _ router.Emitter) error {
	h.logger.Info("user is making a request", "user_id", req.UserID, "mechanic_id", req.ProviderID)
	return h.notify(ctx, events.NotificationData{
		UserID:   req.ProviderID,
		UserType: events.UserTypeMechanic,
		Type:     events.NotificationRequest,
		Data:     map[string]any{"jobDetails": req.JobDetails, "userId": req.UserID},
	})
}

// RequestCreateJob recommends the single nearest provider, if any.
func (h *Handlers) RequestCreateJob(ctx context.Context, job events.CreateJob, gw router.Emitter) error {
	found := h.locator.Nearby(ctx, job.Latitude, job.Longitude, job.RadiusKm, 1)
	if len(found) == 0 {
		h.logger.Info("no mechanics to recommend", "user_id", job.UserID)
		return nil
	}

	h.logger.Info("recommending mechanic", "user_id", job.UserID, "mechanic_id", found[0].ProviderID)
	return gw.Emit(ctx, events.Namespace, job.UserID, events.SocketRecommendation, map[string]any{"nearByMechanics": found})
}

// NotificationNotify delivers socket notifications. Other providers are
// not delivered by this process.
func (h *Handlers) NotificationNotify(ctx context.Context, n events.Notification, gw router.Emitter) error {
	if n.Provider != events.ProviderSocket {
		h.logger.Warn("skipping notification for unsupported provider", "provider", n.Provider, "user_id", n.Data.UserID)
		return nil
	}

	h.logger.Info("notifying user", "user_id", n.Data.UserID, "type", n.Data.Type)
	return gw.Emit(ctx, events.Namespace, n.Data.UserID, events.SocketNotification, map[string]any{"data": n.Data})
}

// UserVisit tells a user who viewed their profile.
func (h *Handlers) UserVisit(ctx context.Context, v events.Visit, _ router.Emitter) error {
	h.logger.Info("user visited user", "visitor_id", v.VisitorID, "user_id", v.UserID)
	return h.notify(ctx, events.NotificationData{
		UserID: v.UserID,
		Type:   events.NotificationVisit,
		Data:   map[string]any{"visitor": v.Visitor},
	})
}

// UserLike tells a user who liked them.
func (h *Handlers) UserLike(ctx context.Context, l events.Like, _ router.Emitter) error {
	h.logger.Info("user liked user", "liker_id", l.LikerID, "user_id", l.UserID)
	return h.notify(ctx, events.NotificationData{
		UserID: l.UserID,
		Type:   events.NotificationLike,
		Data:   map[string]any{"liker": l.Liker},
	})
}

func (h *Handlers) notify(ctx context.Context, data events.NotificationData) error {
	if !h.notifier.Notify(ctx, data) {
		return fmt.Errorf("%w: %s to %s", ErrNotifyFailed, data.Type, data.UserID)
	}
	return nil
}
