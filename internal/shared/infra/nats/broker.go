// Package nats is the JetStream transport for the event router. The
// exchange is a stream named after it that captures "<exchange>.>"; each
// queue is a consumer filtered to "<exchange>.<pattern>". The stream keeps
// a message only while a bound consumer has yet to ack it, and never past
// MaxAge, so a message no queue matches is dropped.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	natsio "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cornjacket/roadside/internal/router"
)

// Config holds connection settings.
type Config struct {
	URL      string
	Exchange string

	// ConnectTimeout bounds the initial connection retries.
	ConnectTimeout time.Duration

	// MaxAge bounds how long an unacked message is kept.
	MaxAge time.Duration
}

// Broker implements router.Broker on NATS JetStream.
type Broker struct {
	conn     *natsio.Conn
	js       jetstream.JetStream
	exchange string
	logger   *slog.Logger
}

// NewBroker connects with exponential backoff and ensures the exchange
// stream exists.
func NewBroker(ctx context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	logger = logger.With("component", "nats-broker")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	conn, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(cfg.Exchange),
		Subjects:  []string{cfg.Exchange + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.InterestPolicy,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange stream %s: %w", streamName(cfg.Exchange), err)
	}

	logger.Info("connected to NATS", "url", cfg.URL, "exchange", cfg.Exchange)
	return &Broker{conn: conn, js: js, exchange: cfg.Exchange, logger: logger}, nil
}

func connect(ctx context.Context, cfg Config, logger *slog.Logger) (*natsio.Conn, error) {
	opts := []natsio.Option{
		natsio.Name("roadside"),
		natsio.MaxReconnects(-1),
		natsio.ReconnectWait(2 * time.Second),
		natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		natsio.ReconnectHandler(func(c *natsio.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	deadline := time.Now().Add(cfg.ConnectTimeout)
	for {
		conn, err := natsio.Connect(cfg.URL, opts...)
		if err == nil {
			return conn, nil
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop || time.Now().Add(sleep).After(deadline) {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
		}
		logger.Warn("NATS connect failed, retrying", "error", err, "retry_in", sleep)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Publish stores body on the exchange stream and waits for the ack.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	if b.conn.Status() != natsio.CONNECTED {
		return router.ErrBrokerUnavailable
	}
	if _, err := b.js.Publish(ctx, subject(b.exchange, routingKey), body); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

// Consume binds a consumer named after the queue. Durable queues survive
// restarts and are shared by every process consuming the same queue.
// One unacknowledged message at a time keeps queue order.
func (b *Broker) Consume(ctx context.Context, binding router.Binding, deliver router.Deliver) error {
	exchange := binding.Exchange
	if exchange == "" {
		exchange = b.exchange
	}
	prefix := exchange + "."

	cfg := jetstream.ConsumerConfig{
		FilterSubject: prefix + binding.Pattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: 1,
	}
	if binding.Durable {
		cfg.Durable = binding.Queue
	} else {
		cfg.Name = binding.Queue
		cfg.InactiveThreshold = time.Minute
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName(exchange), cfg)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", binding.Queue, err)
	}

	fatal := make(chan error, 1)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		deliver(ctx, strings.TrimPrefix(msg.Subject(), prefix), msg.Data())
		if err := msg.Ack(); err != nil {
			b.logger.Warn("failed to ack message", "queue", binding.Queue, "error", err)
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrConsumerDeleted) {
			select {
			case fatal <- err:
			default:
			}
			return
		}
		b.logger.Debug("consume error", "queue", binding.Queue, "error", err)
	}))
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", binding.Queue, err)
	}
	defer cc.Stop()

	b.logger.Info("consuming queue", "queue", binding.Queue, "subject", cfg.FilterSubject)

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// Health reports whether the connection is up.
func (b *Broker) Health(ctx context.Context) error {
	if s := b.conn.Status(); s != natsio.CONNECTED {
		return fmt.Errorf("nats connection %s", s)
	}
	return nil
}

// Close drains the connection.
func (b *Broker) Close() error {
	return b.conn.Drain()
}

func subject(exchange, routingKey string) string {
	return exchange + "." + routingKey
}

// Pending reports how many messages the exchange stream still holds.
func (b *Broker) Pending(ctx context.Context) (uint64, error) {
	stream, err := b.js.Stream(ctx, streamName(b.exchange))
	if err != nil {
		return 0, fmt.Errorf("failed to look up stream %s: %w", streamName(b.exchange), err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream %s: %w", streamName(b.exchange), err)
	}
	return info.State.Msgs, nil
}

func streamName(exchange string) string {
	return strings.ToUpper(exchange)
}

var _ router.Broker = (*Broker)(nil)
