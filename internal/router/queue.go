package router

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

var (
	// ErrDuplicateRoute is returned when an event type is routed twice on one queue.
	ErrDuplicateRoute = errors.New("duplicate route")

	// ErrRouteOutsidePattern is returned when a queue's pattern would never deliver the event type.
	ErrRouteOutsidePattern = errors.New("event type not matched by queue pattern")

	// ErrInvalidPattern is returned for a malformed binding pattern.
	ErrInvalidPattern = events.ErrInvalidPattern
)

// Handler processes one typed event. Handlers must be idempotent: a
// returned error is logged and the message is still acknowledged.
type Handler[P any] func(ctx context.Context, payload P, gw Emitter) error

type dispatchFunc func(ctx context.Context, raw json.RawMessage, gw Emitter) error

// Queue is a named queue bound to a routing-key pattern, with one handler
// per event type. Routes are registered at startup, before consumption.
type Queue struct {
	name    string
	pattern string
	durable bool
	routes  map[string]dispatchFunc
}

// NewQueue creates a queue bound to pattern.
func NewQueue(name, pattern string, durable bool) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if err := events.ValidatePattern(pattern); err != nil {
		return nil, fmt.Errorf("invalid pattern for queue %s: %w", name, err)
	}
	return &Queue{
		name:    name,
		pattern: pattern,
		durable: durable,
		routes:  make(map[string]dispatchFunc),
	}, nil
}

// NewCatalogQueue creates the declared queue called name.
func NewCatalogQueue(name string) (*Queue, error) {
	b, ok := events.LookupBinding(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown queue %q", events.ErrUnroutable, name)
	}
	return NewQueue(b.Name, b.Pattern, b.Durable)
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Pattern returns the binding pattern.
func (q *Queue) Pattern() string { return q.pattern }

// Durable reports whether the queue survives broker restarts.
func (q *Queue) Durable() bool { return q.durable }

// EventTypes lists routed event types in sorted order.
func (q *Queue) EventTypes() []string {
	types := make([]string, 0, len(q.routes))
	for t := range q.routes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (q *Queue) lookup(eventType string) (dispatchFunc, bool) {
	d, ok := q.routes[eventType]
	return d, ok
}

// Route registers h for kind on q.
func Route[P any](q *Queue, kind events.Kind[P], h Handler[P]) error {
	name := kind.Name()
	if !events.MatchPattern(q.pattern, name) {
		return fmt.Errorf("%w: %s on %s (%s)", ErrRouteOutsidePattern, name, q.name, q.pattern)
	}
	if _, exists := q.routes[name]; exists {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateRoute, name, q.name)
	}

	q.routes[name] = func(ctx context.Context, raw json.RawMessage, gw Emitter) error {
		payload, err := kind.Decode(raw)
		if err != nil {
			return err
		}
		return h(ctx, payload, gw)
	}
	return nil
}

// MustRoute is Route for startup wiring; misconfiguration panics.
func MustRoute[P any](q *Queue, kind events.Kind[P], h Handler[P]) {
	if err := Route(q, kind, h); err != nil {
		panic(err)
	}
}
