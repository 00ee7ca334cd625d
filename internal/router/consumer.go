package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

// ConsumerConfig holds configuration for the consumer loops.
type ConsumerConfig struct {
	Exchange string

	// RetryDelay is the pause before re-subscribing after Consume fails.
	RetryDelay time.Duration
}

// Consumer runs one loop per queue, dispatching each message to the
// queue's handler for its event type.
type Consumer struct {
	broker  Broker
	queues  []*Queue
	gateway Emitter
	config  ConsumerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewConsumer creates a consumer for queues. Every handler receives gateway.
func NewConsumer(broker Broker, gateway Emitter, config ConsumerConfig, m *metrics.Metrics, logger *slog.Logger, queues ...*Queue) *Consumer {
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	return &Consumer{
		broker:  broker,
		queues:  queues,
		gateway: gateway,
		config:  config,
		metrics: m,
		logger:  logger.With("component", "event-consumer"),
	}
}

// Start consumes every queue and blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	var wg conc.WaitGroup
	for _, q := range c.queues {
		wg.Go(func() { c.run(ctx, q) })
	}
	wg.Wait()

	c.logger.Info("event consumer stopped")
	return nil
}

func (c *Consumer) run(ctx context.Context, q *Queue) {
	binding := Binding{
		Exchange: c.config.Exchange,
		Queue:    q.name,
		Pattern:  q.pattern,
		Durable:  q.durable,
	}
	logger := c.logger.With("queue", q.name, "pattern", q.pattern)
	logger.Info("starting queue consumer", "event_types", q.EventTypes())

	deliver := func(ctx context.Context, routingKey string, body []byte) {
		c.handle(ctx, q, routingKey, body)
	}

	for {
		err := c.broker.Consume(ctx, binding, deliver)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("queue consumer failed, resubscribing", "error", err)
		}
		select {
		case <-time.After(c.config.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// handle never fails the delivery: malformed, unknown and failing
// messages are logged and acknowledged so one bad message cannot block
// the queue.
// unknownEventType labels metrics for messages whose type is not in the
// catalogue, keeping label values bounded whatever the message says.
const unknownEventType = "unknown"

func (c *Consumer) handle(ctx context.Context, q *Queue, routingKey string, body []byte) {
	logger := c.logger.With("queue", q.name, "routing_key", routingKey)

	env, err := events.DecodeEnvelope(body)
	if err != nil {
		logger.Warn("dropping malformed message", "error", err)
		c.metrics.Consumed(q.name, unknownEventType, "malformed")
		return
	}

	eventType := env.EventType
	if eventType == "" {
		eventType = routingKey
	}
	logger = logger.With("event_type", eventType)

	dispatch, ok := q.lookup(eventType)
	if !ok {
		logger.Warn("no handler for event type, dropping")
		label := eventType
		if !events.IsKnownEventType(label) {
			label = unknownEventType
		}
		c.metrics.Consumed(q.name, label, "unrouted")
		return
	}

	if err := c.invoke(ctx, dispatch, env.Payload); err != nil {
		logger.Error("failed to handle event", "error", err)
		c.metrics.Consumed(q.name, eventType, "failed")
		return
	}

	logger.Debug("event processed successfully")
	c.metrics.Consumed(q.name, eventType, "handled")
}

func (c *Consumer) invoke(ctx context.Context, dispatch dispatchFunc, raw json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return dispatch(ctx, raw, c.gateway)
}
