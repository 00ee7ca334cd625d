package events

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultExchange is the topic exchange every queue binds to.
const DefaultExchange = "roadside"

// Queue names.
const (
	QueueLocation     = "location_queue"
	QueueRequest      = "request_queue"
	QueueNotification = "notification_queue"
	QueueUser         = "user_queue"
)

// ErrUnroutable is returned for a queue/event-type pair no binding accepts.
var ErrUnroutable = errors.New("unroutable event")

// ErrInvalidPattern is returned for a malformed binding expression.
var ErrInvalidPattern = errors.New("invalid routing pattern")

// QueueBinding describes how a named queue attaches to the exchange.
type QueueBinding struct {
	Name    string
	Pattern string
	Durable bool
}

// Bindings lists every queue the core declares.
var Bindings = []QueueBinding{
	{Name: QueueLocation, Pattern: "location.*", Durable: true},
	{Name: QueueRequest, Pattern: "request.*", Durable: true},
	{Name: QueueNotification, Pattern: "notification.*", Durable: true},
	{Name: QueueUser, Pattern: "user.*", Durable: true},
}

// LookupBinding returns the binding for a queue name.
func LookupBinding(queue string) (QueueBinding, bool) {
	for _, b := range Bindings {
		if b.Name == queue {
			return b, true
		}
	}
	return QueueBinding{}, false
}

// Validate rejects publishing eventType through queue unless the queue is
// declared, its pattern accepts the event type, and the event type is known.
func Validate(queue, eventType string) error {
	b, ok := LookupBinding(queue)
	if !ok {
		return fmt.Errorf("%w: unknown queue %q", ErrUnroutable, queue)
	}
	if !MatchPattern(b.Pattern, eventType) {
		return fmt.Errorf("%w: %q is not bound to %s (%s)", ErrUnroutable, eventType, queue, b.Pattern)
	}
	if !IsKnownEventType(eventType) {
		return fmt.Errorf("%w: unknown event type %q", ErrUnroutable, eventType)
	}
	return nil
}

// ValidatePattern checks a binding expression: dot-separated, non-empty
// segments, where "*" stands for exactly one segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, pattern)
		}
		if seg != "*" && strings.Contains(seg, "*") {
			return fmt.Errorf("%w: %q mixes a wildcard into a segment", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// MatchPattern reports whether routingKey is accepted by pattern.
// "location.*" matches "location.update" but neither "location" nor
// "location.update.extra".
func MatchPattern(pattern, routingKey string) bool {
	if pattern == "" || routingKey == "" {
		return false
	}
	pSegs := strings.Split(pattern, ".")
	kSegs := strings.Split(routingKey, ".")
	if len(pSegs) != len(kSegs) {
		return false
	}
	for i, p := range pSegs {
		if kSegs[i] == "" {
			return false
		}
		if p != "*" && p != kSegs[i] {
			return false
		}
	}
	return true
}
