package router

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

const memoryQueueDepth = 256

type memoryMessage struct {
	routingKey string
	body       []byte
}

type memoryQueue struct {
	pattern string
	ch      chan memoryMessage
}

// MemoryBroker is an in-process topic exchange for single-process runs
// and tests. Consumers of one queue name compete for its messages;
// messages published before any queue matches are dropped, as on a real
// exchange.
type MemoryBroker struct {
	mu      sync.RWMutex
	queues  map[string]*memoryQueue
	offline atomic.Bool
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memoryQueue)}
}

// SetOffline makes Publish fail until called again with false.
func (b *MemoryBroker) SetOffline(offline bool) {
	b.offline.Store(offline)
}

// Declare creates the queue for binding if it does not exist yet.
func (b *MemoryBroker) Declare(binding Binding) {
	b.declare(binding)
}

func (b *MemoryBroker) declare(binding Binding) *memoryQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[binding.Queue]
	if !ok {
		q = &memoryQueue{pattern: binding.Pattern, ch: make(chan memoryMessage, memoryQueueDepth)}
		b.queues[binding.Queue] = q
	}
	return q
}

// Publish copies body into every queue whose pattern matches routingKey.
func (b *MemoryBroker) Publish(ctx context.Context, routingKey string, body []byte) error {
	if b.offline.Load() {
		return ErrBrokerUnavailable
	}

	b.mu.RLock()
	var targets []*memoryQueue
	for _, q := range b.queues {
		if events.MatchPattern(q.pattern, routingKey) {
			targets = append(targets, q)
		}
	}
	b.mu.RUnlock()

	for _, q := range targets {
		msg := memoryMessage{routingKey: routingKey, body: append([]byte(nil), body...)}
		select {
		case q.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Consume delivers the queue's messages in order until ctx is cancelled.
func (b *MemoryBroker) Consume(ctx context.Context, binding Binding, deliver Deliver) error {
	q := b.declare(binding)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			deliver(ctx, msg.routingKey, msg.body)
		}
	}
}

// Close is a no-op.
func (b *MemoryBroker) Close() error {
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
