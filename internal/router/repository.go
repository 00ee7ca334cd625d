package router

import (
	"context"
	"errors"
)

// ErrBrokerUnavailable is returned by brokers that are known to be down.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Binding attaches a named queue to a topic exchange.
type Binding struct {
	Exchange string
	Queue    string
	Pattern  string
	Durable  bool
}

// Deliver receives one message. The broker acknowledges the message once
// Deliver returns, whatever happened inside it.
type Deliver func(ctx context.Context, routingKey string, body []byte)

// Broker is a topic-exchange transport.
type Broker interface {
	// Publish sends body under routingKey and returns once the broker has
	// confirmed it, where the transport supports confirmation.
	Publish(ctx context.Context, routingKey string, body []byte) error

	// Consume declares the binding and delivers its messages in broker
	// order until ctx is cancelled.
	Consume(ctx context.Context, b Binding, deliver Deliver) error

	// Close releases transport resources.
	Close() error
}

// Emitter pushes a payload to one connected real-time recipient.
// This interface is satisfied by realtime.Hub.
type Emitter interface {
	Emit(ctx context.Context, namespace, target, event string, payload any) error
}
