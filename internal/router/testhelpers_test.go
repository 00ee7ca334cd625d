package router

import (
	"context"
	"sync"
)

// mockBroker implements Broker for testing.
type mockBroker struct {
	PublishFn func(ctx context.Context, routingKey string, body []byte) error
	ConsumeFn func(ctx context.Context, b Binding, deliver Deliver) error
}

func (m *mockBroker) Publish(ctx context.Context, routingKey string, body []byte) error {
	return m.PublishFn(ctx, routingKey, body)
}

func (m *mockBroker) Consume(ctx context.Context, b Binding, deliver Deliver) error {
	return m.ConsumeFn(ctx, b, deliver)
}

func (m *mockBroker) Close() error { return nil }

// emitted is one recorded Emit call.
type emitted struct {
	Namespace string
	Target    string
	Event     string
	Payload   any
}

// recordingEmitter implements Emitter and remembers every call.
type recordingEmitter struct {
	mu    sync.Mutex
	calls []emitted
}

func (e *recordingEmitter) Emit(ctx context.Context, namespace, target, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitted{namespace, target, event, payload})
	return nil
}
