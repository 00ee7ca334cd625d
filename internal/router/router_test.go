package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

func TestNewQueue_InvalidPattern(t *testing.T) {
	_, err := NewQueue("location_queue", "location..*", true)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = NewQueue("", "location.*", true)
	assert.Error(t, err)
}

func TestNewCatalogQueue(t *testing.T) {
	q, err := NewCatalogQueue(events.QueueLocation)
	require.NoError(t, err)
	assert.Equal(t, "location.*", q.Pattern())
	assert.True(t, q.Durable())

	_, err = NewCatalogQueue("billing_queue")
	assert.True(t, errors.Is(err, events.ErrUnroutable))
}

func TestRoute_Duplicate(t *testing.T) {
	q, err := NewQueue("location_queue", "location.*", true)
	require.NoError(t, err)

	noop := func(ctx context.Context, p events.ProviderPosition, gw Emitter) error { return nil }
	require.NoError(t, Route(q, events.LocationUpdate, noop))

	err = Route(q, events.LocationUpdate, noop)
	assert.True(t, errors.Is(err, ErrDuplicateRoute))

	assert.Panics(t, func() { MustRoute(q, events.LocationUpdate, noop) })
	assert.Equal(t, []string{"location.update"}, q.EventTypes())
}

func TestRoute_SameEventTypeOnDifferentQueues(t *testing.T) {
	a, _ := NewQueue("a", "location.*", false)
	b, _ := NewQueue("b", "location.*", false)
	noop := func(ctx context.Context, p events.ProviderPosition, gw Emitter) error { return nil }

	assert.NoError(t, Route(a, events.LocationUpdate, noop))
	assert.NoError(t, Route(b, events.LocationUpdate, noop))
}

func TestRoute_OutsidePattern(t *testing.T) {
	q, err := NewQueue("user_queue", "user.*", true)
	require.NoError(t, err)

	err = Route(q, events.LocationUpdate, func(ctx context.Context, p events.ProviderPosition, gw Emitter) error { return nil })
	assert.True(t, errors.Is(err, ErrRouteOutsidePattern))
}

func TestPublishRaw_Success(t *testing.T) {
	var gotKey string
	var gotBody []byte
	broker := &mockBroker{
		PublishFn: func(ctx context.Context, routingKey string, body []byte) error {
			gotKey, gotBody = routingKey, body
			return nil
		},
	}
	pub := NewPublisher(broker, nil, slog.Default())

	ok := Publish(context.Background(), pub, events.TrackProvider, events.TrackRequest{UserID: "u1", ProviderID: "m1"})

	require.True(t, ok)
	assert.Equal(t, "location.track_mechanic", gotKey)
	assert.JSONEq(t, `{"eventType":"location.track_mechanic","payload":{"userId":"u1","mechanicId":"m1"}}`, string(gotBody))
}

func TestPublishRaw_BrokerFailure(t *testing.T) {
	broker := &mockBroker{
		PublishFn: func(ctx context.Context, routingKey string, body []byte) error {
			return errors.New("connection reset")
		},
	}
	pub := NewPublisher(broker, nil, slog.Default())

	assert.False(t, pub.PublishRaw(context.Background(), events.QueueUser, events.UserVisit.Name(), events.Visit{UserID: "u"}))
}

func TestPublishRaw_Unroutable(t *testing.T) {
	broker := &mockBroker{
		PublishFn: func(ctx context.Context, routingKey string, body []byte) error {
			t.Fatal("unroutable events must not reach the broker")
			return nil
		},
	}
	pub := NewPublisher(broker, nil, slog.Default())

	assert.False(t, pub.PublishRaw(context.Background(), events.QueueUser, events.LocationUpdate.Name(), map[string]any{}))
	assert.False(t, pub.PublishRaw(context.Background(), "billing_queue", "billing.charge", map[string]any{}))
}

// startConsumer runs c until the test ends.
func startConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConsumer_DispatchesTypedPayload(t *testing.T) {
	broker := NewMemoryBroker()
	gw := &recordingEmitter{}

	q, err := NewCatalogQueue(events.QueueLocation)
	require.NoError(t, err)

	got := make(chan events.TrackRequest, 1)
	MustRoute(q, events.TrackProvider, func(ctx context.Context, p events.TrackRequest, e Emitter) error {
		err := e.Emit(ctx, "/api/v1/socket", p.UserID, "trackMechanic", map[string]any{})
		got <- p
		return err
	})

	broker.Declare(Binding{Queue: q.Name(), Pattern: q.Pattern()})
	startConsumer(t, NewConsumer(broker, gw, ConsumerConfig{Exchange: "roadside"}, nil, slog.Default(), q))

	pub := NewPublisher(broker, nil, slog.Default())
	require.True(t, Publish(context.Background(), pub, events.TrackProvider, events.TrackRequest{UserID: "u1", ProviderID: "m9"}))

	select {
	case p := <-got:
		assert.Equal(t, "m9", p.ProviderID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.calls, 1)
	assert.Equal(t, "u1", gw.calls[0].Target)
}

func TestConsumer_BadMessagesDoNotBlockQueue(t *testing.T) {
	broker := NewMemoryBroker()

	q, err := NewCatalogQueue(events.QueueUser)
	require.NoError(t, err)

	visits := make(chan string, 4)
	MustRoute(q, events.UserVisit, func(ctx context.Context, v events.Visit, gw Emitter) error {
		visits <- v.VisitorID
		switch v.VisitorID {
		case "fails":
			return errors.New("notification store down")
		case "panics":
			panic("nil map")
		}
		return nil
	})

	broker.Declare(Binding{Queue: q.Name(), Pattern: q.Pattern()})
	startConsumer(t, NewConsumer(broker, &recordingEmitter{}, ConsumerConfig{}, nil, slog.Default(), q))

	ctx := context.Background()
	// Unknown event type for this queue, then malformed, then handler failures.
	require.NoError(t, broker.Publish(ctx, "user.like", []byte(`{"eventType":"user.like","payload":{}}`)))
	require.NoError(t, broker.Publish(ctx, "user.visit", []byte(`not json`)))
	require.NoError(t, broker.Publish(ctx, "user.visit", []byte(`{"eventType":"user.visit","payload":{"userId":"u","visitorId":"fails"}}`)))
	require.NoError(t, broker.Publish(ctx, "user.visit", []byte(`{"eventType":"user.visit","payload":{"userId":"u","visitorId":"panics"}}`)))
	require.NoError(t, broker.Publish(ctx, "user.visit", []byte(`{"eventType":"user.visit","payload":{"userId":"u","visitorId":"ok"}}`)))

	var seen []string
	for len(seen) < 3 {
		select {
		case v := <-visits:
			seen = append(seen, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("queue stalled after %v", seen)
		}
	}
	assert.Equal(t, []string{"fails", "panics", "ok"}, seen, "order within a queue is preserved")
}

func TestConsumer_MetricLabelsStayInCatalogue(t *testing.T) {
	broker := NewMemoryBroker()
	q, err := NewCatalogQueue(events.QueueUser)
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	MustRoute(q, events.UserVisit, func(ctx context.Context, v events.Visit, gw Emitter) error {
		done <- struct{}{}
		return nil
	})

	reg := prometheus.NewRegistry()
	broker.Declare(Binding{Queue: q.Name(), Pattern: q.Pattern()})
	startConsumer(t, NewConsumer(broker, nil, ConsumerConfig{}, metrics.New(reg), slog.Default(), q))

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, "user.a1b2c3", []byte(`not json`)))
	require.NoError(t, broker.Publish(ctx, "user.visit", []byte(`{"eventType":"user.d4e5f6","payload":{}}`)))
	require.NoError(t, broker.Publish(ctx, "user.like", []byte(`{"eventType":"user.like","payload":{}}`)))
	require.NoError(t, broker.Publish(ctx, "user.visit", []byte(`{"eventType":"user.visit","payload":{"userId":"u"}}`)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	labels := map[string]string{}
	for _, f := range families {
		if f.GetName() != "roadside_router_consumed_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			var eventType, outcome string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "event_type":
					eventType = l.GetValue()
				case "outcome":
					outcome = l.GetValue()
				}
			}
			labels[eventType+"/"+outcome] = outcome
		}
	}
	assert.Contains(t, labels, "unknown/malformed")
	assert.Contains(t, labels, "unknown/unrouted")
	assert.Contains(t, labels, "user.like/unrouted")
	assert.NotContains(t, labels, "user.a1b2c3/malformed")
	assert.NotContains(t, labels, "user.d4e5f6/unrouted")
}

func TestConsumer_EventTypeFallsBackToRoutingKey(t *testing.T) {
	broker := NewMemoryBroker()
	q, _ := NewCatalogQueue(events.QueueUser)

	got := make(chan string, 1)
	MustRoute(q, events.UserVisit, func(ctx context.Context, v events.Visit, gw Emitter) error {
		got <- v.UserID
		return nil
	})

	broker.Declare(Binding{Queue: q.Name(), Pattern: q.Pattern()})
	startConsumer(t, NewConsumer(broker, nil, ConsumerConfig{}, nil, slog.Default(), q))

	require.NoError(t, broker.Publish(context.Background(), "user.visit", []byte(`{"payload":{"userId":"u7"}}`)))

	select {
	case id := <-got:
		assert.Equal(t, "u7", id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestConsumer_ResubscribesAfterFailure(t *testing.T) {
	attempts := make(chan struct{}, 4)
	var calls atomic.Int32
	broker := &mockBroker{
		ConsumeFn: func(ctx context.Context, b Binding, deliver Deliver) error {
			attempts <- struct{}{}
			if calls.Add(1) == 1 {
				return errors.New("stream not found")
			}
			<-ctx.Done()
			return nil
		},
	}
	q, _ := NewCatalogQueue(events.QueueRequest)
	startConsumer(t, NewConsumer(broker, nil, ConsumerConfig{RetryDelay: 10 * time.Millisecond}, nil, slog.Default(), q))

	for i := 0; i < 2; i++ {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d subscribe attempts", i+1)
		}
	}
}

func TestConsumer_BindingFromQueue(t *testing.T) {
	bindings := make(chan Binding, 1)
	broker := &mockBroker{
		ConsumeFn: func(ctx context.Context, b Binding, deliver Deliver) error {
			bindings <- b
			<-ctx.Done()
			return nil
		},
	}
	q, _ := NewCatalogQueue(events.QueueNotification)
	startConsumer(t, NewConsumer(broker, nil, ConsumerConfig{Exchange: "mecfur"}, nil, slog.Default(), q))

	select {
	case b := <-bindings:
		assert.Equal(t, Binding{Exchange: "mecfur", Queue: "notification_queue", Pattern: "notification.*", Durable: true}, b)
	case <-time.After(2 * time.Second):
		t.Fatal("consume not called")
	}
}
