// Package dispatch consumes the four catalog queues and reacts to each
// event type: snapshot writes, socket replies and notifications.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cornjacket/roadside/internal/router"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

// Config holds configuration for the dispatch service.
type Config struct {
	Exchange   string
	RetryDelay time.Duration
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Broker    router.Broker
	Emitter   router.Emitter
	Locator   Locator
	Snapshots SnapshotWriter
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

// RunningService represents a started dispatch service.
type RunningService struct {
	// Shutdown stops every queue consumer and waits for them.
	Shutdown func(ctx context.Context) error
}

// Queues builds the catalog queues with every event type routed to h.
func Queues(h *Handlers) ([]*router.Queue, error) {
	location, err := router.NewCatalogQueue(events.QueueLocation)
	if err != nil {
		return nil, err
	}
	request, err := router.NewCatalogQueue(events.QueueRequest)
	if err != nil {
		return nil, err
	}
	notification, err := router.NewCatalogQueue(events.QueueNotification)
	if err != nil {
		return nil, err
	}
	user, err := router.NewCatalogQueue(events.QueueUser)
	if err != nil {
		return nil, err
	}

	router.MustRoute(location, events.LocationUpdate, h.LocationUpdate)
	router.MustRoute(location, events.LocationNearby, h.LocationNearby)
	router.MustRoute(location, events.TrackProvider, h.TrackProvider)
	router.MustRoute(request, events.RequestMake, h.RequestMake)
	router.MustRoute(request, events.RequestCreateJob, h.RequestCreateJob)
	router.MustRoute(notification, events.NotificationNotify, h.NotificationNotify)
	router.MustRoute(user, events.UserVisit, h.UserVisit)
	router.MustRoute(user, events.UserLike, h.UserLike)

	return []*router.Queue{location, request, notification, user}, nil
}

// Start binds every queue and consumes until Shutdown.
func Start(ctx context.Context, cfg Config, deps Deps, logger *slog.Logger) (*RunningService, error) {
	logger = logger.With("service", "dispatch")

	handlers := NewHandlers(deps.Locator, deps.Snapshots, deps.Notifier, logger)
	queues, err := Queues(handlers)
	if err != nil {
		return nil, fmt.Errorf("failed to build queues: %w", err)
	}

	consumer := router.NewConsumer(deps.Broker, deps.Emitter,
		router.ConsumerConfig{Exchange: cfg.Exchange, RetryDelay: cfg.RetryDelay},
		deps.Metrics, logger, queues...)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(runCtx); err != nil {
			logger.Error("dispatch consumer error", "error", err)
		}
	}()

	logger.Info("dispatch service started", "queues", len(queues))

	return &RunningService{
		Shutdown: func(shutdownCtx context.Context) error {
			logger.Info("shutting down dispatch service")
			cancel()
			select {
			case <-done:
				return nil
			case <-shutdownCtx.Done():
				return shutdownCtx.Err()
			}
		},
	}, nil
}
