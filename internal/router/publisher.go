package router

import (
	"context"
	"log/slog"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

// Publisher announces events on the exchange.
type Publisher struct {
	broker  Broker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher creates a Publisher over broker.
func NewPublisher(broker Broker, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker:  broker,
		metrics: m,
		logger:  logger.With("component", "publisher"),
	}
}

// PublishRaw wraps payload in an envelope and publishes it with eventType
// as the routing key. It returns false when the pair is unroutable or the
// broker did not confirm; it never returns an error so callers can fall
// back to the outbox.
func (p *Publisher) PublishRaw(ctx context.Context, queue, eventType string, payload any) bool {
	logger := p.logger.With("queue", queue, "event_type", eventType)

	if err := events.Validate(queue, eventType); err != nil {
		logger.Error("rejected publish", "error", err)
		p.metrics.Published(queue, eventType, "rejected")
		return false
	}

	env, err := events.NewEnvelope(eventType, payload)
	if err != nil {
		logger.Error("failed to build envelope", "error", err)
		p.metrics.Published(queue, eventType, "rejected")
		return false
	}
	body, err := env.Marshal()
	if err != nil {
		logger.Error("failed to encode envelope", "error", err)
		p.metrics.Published(queue, eventType, "rejected")
		return false
	}

	if err := p.broker.Publish(ctx, eventType, body); err != nil {
		logger.Warn("publish not confirmed", "error", err)
		p.metrics.Published(queue, eventType, "failed")
		return false
	}

	logger.Debug("event published")
	p.metrics.Published(queue, eventType, "ok")
	return true
}

// Publish is the typed form of PublishRaw.
func Publish[P any](ctx context.Context, p *Publisher, kind events.Kind[P], payload P) bool {
	return p.PublishRaw(ctx, kind.Queue(), kind.Name(), payload)
}
