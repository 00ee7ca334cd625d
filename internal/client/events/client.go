// Package events is the sending side used by services: publish through
// the router and fall back to the outbox when the broker does not confirm.
package events

import (
	"context"
	"log/slog"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// Publisher publishes an event through the router.
// This interface is satisfied by router.Publisher.
type Publisher interface {
	PublishRaw(ctx context.Context, queue, eventType string, payload any) bool
}

// Outbox durably queues an event for later delivery.
// This interface is satisfied by outbox.Outbox.
type Outbox interface {
	Add(ctx context.Context, queue, eventType string, payload any) bool
}

// Client sends events with at-least-once intent.
type Client struct {
	publisher Publisher
	outbox    Outbox
	logger    *slog.Logger
}

// New creates a Client. A nil outbox makes Send publish-only.
func New(publisher Publisher, outbox Outbox, logger *slog.Logger) *Client {
	return &Client{
		publisher: publisher,
		outbox:    outbox,
		logger:    logger.With("client", "events"),
	}
}

// Send publishes the event, or queues it in the outbox when the publish is
// not confirmed. It reports whether the event was delivered or queued.
// Unroutable pairs fail both ways and return false.
func (c *Client) Send(ctx context.Context, queue, eventType string, payload any) bool {
	if c.publisher.PublishRaw(ctx, queue, eventType, payload) {
		return true
	}
	if c.outbox == nil {
		c.logger.Error("event dropped, no outbox configured",
			"queue", queue,
			"event_type", eventType,
		)
		return false
	}

	if !c.outbox.Add(ctx, queue, eventType, payload) {
		c.logger.Error("event lost, publish and outbox both failed",
			"queue", queue,
			"event_type", eventType,
		)
		return false
	}

	c.logger.Warn("publish not confirmed, event queued in outbox",
		"queue", queue,
		"event_type", eventType,
	)
	return true
}

// Send is the typed form of Client.Send.
func Send[P any](ctx context.Context, c *Client, kind events.Kind[P], payload P) bool {
	return c.Send(ctx, kind.Queue(), kind.Name(), payload)
}

// Notify sends a socket notification to one recipient.
func (c *Client) Notify(ctx context.Context, data events.NotificationData) bool {
	return Send(ctx, c, events.NotificationNotify, events.Notification{
		Provider: events.ProviderSocket,
		Data:     data,
	})
}
