package events

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Envelope is the wire format of every message on the exchange and of
// every payload replayed from the outbox.
type Envelope struct {
	// EventType is the dot-segmented routing key (e.g., "location.update")
	EventType string `json:"eventType"`

	// Payload contains the event-specific data
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload under eventType. A json.RawMessage payload is
// carried through untouched.
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return &Envelope{EventType: eventType, Payload: raw}, nil
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return &Envelope{
		EventType: eventType,
		Payload:   payloadBytes,
	}, nil
}

// DecodeEnvelope parses a message body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
