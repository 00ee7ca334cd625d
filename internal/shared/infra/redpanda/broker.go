// Package redpanda is the Kafka-protocol transport for the event router.
// The exchange is one topic; each queue is a consumer group on it that
// keeps only records whose routing key matches the queue pattern.
//
// Queue order holds across event types only when the exchange topic has a
// single partition. Records are keyed by routing key, so one event type is
// always ordered.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cornjacket/roadside/internal/router"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// RoutingKeyHeader carries the routing key on every record.
const RoutingKeyHeader = "routing-key"

// Broker implements router.Broker on Redpanda.
type Broker struct {
	producer *kgo.Client
	brokers  []string
	topic    string
	logger   *slog.Logger
}

// NewBroker creates the producing client. Consumers get their own clients
// per queue.
func NewBroker(brokers []string, exchange string, logger *slog.Logger) (*Broker, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.DefaultProduceTopic(exchange),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redpanda client: %w", err)
	}

	return &Broker{
		producer: client,
		brokers:  brokers,
		topic:    exchange,
		logger:   logger.With("component", "redpanda-broker"),
	}, nil
}

// Publish produces synchronously so a nil error means the record was
// acknowledged.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	record := &kgo.Record{
		Topic:   b.topic,
		Key:     []byte(routingKey),
		Value:   body,
		Headers: []kgo.RecordHeader{{Key: RoutingKeyHeader, Value: []byte(routingKey)}},
	}

	if err := b.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.topic, err)
	}

	b.logger.Debug("event published to Redpanda", "topic", b.topic, "routing_key", routingKey)
	return nil
}

// Consume joins the consumer group named after the queue. Non-durable
// queues read without a group from the end of the topic.
func (b *Broker) Consume(ctx context.Context, binding router.Binding, deliver router.Deliver) error {
	topic := binding.Exchange
	if topic == "" {
		topic = b.topic
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumeTopics(topic),
	}
	if binding.Durable {
		opts = append(opts,
			kgo.ConsumerGroup(binding.Queue),
			kgo.DisableAutoCommit(),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create consumer for %s: %w", binding.Queue, err)
	}
	defer client.Close()

	logger := b.logger.With("queue", binding.Queue, "topic", topic)
	logger.Info("consuming queue", "pattern", binding.Pattern)

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				logger.Error("fetch error",
					"partition", err.Partition,
					"error", err.Err,
				)
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			key := routingKey(record)
			if !events.MatchPattern(binding.Pattern, key) {
				return
			}
			deliver(ctx, key, record.Value)
		})

		if binding.Durable {
			if err := client.CommitUncommittedOffsets(ctx); err != nil {
				logger.Error("failed to commit offsets", "error", err)
			}
		}
	}
}

func routingKey(r *kgo.Record) string {
	for _, h := range r.Headers {
		if h.Key == RoutingKeyHeader {
			return string(h.Value)
		}
	}
	return string(r.Key)
}

// Health pings the seed brokers.
func (b *Broker) Health(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

// Close closes the producing client.
func (b *Broker) Close() error {
	b.producer.Close()
	b.logger.Info("Redpanda broker closed")
	return nil
}

var _ router.Broker = (*Broker)(nil)
