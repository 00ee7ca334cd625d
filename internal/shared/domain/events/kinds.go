package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Kind ties an event type name to its owning queue and payload shape so
// routes and publishes are checked at compile time.
type Kind[P any] struct {
	name  string
	queue string
}

// Name returns the event type, which is also the routing key.
func (k Kind[P]) Name() string { return k.name }

// Queue returns the queue the event type is published through.
func (k Kind[P]) Queue() string { return k.queue }

// Decode parses a payload of this kind.
func (k Kind[P]) Decode(raw []byte) (P, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to decode %s payload: %w", k.name, err)
	}
	return p, nil
}

// Event types.
var (
	LocationUpdate     = Kind[ProviderPosition]{name: "location.update", queue: QueueLocation}
	LocationNearby     = Kind[NearbyQuery]{name: "location.near_by", queue: QueueLocation}
	TrackProvider      = Kind[TrackRequest]{name: "location.track_mechanic", queue: QueueLocation}
	RequestMake        = Kind[JobRequest]{name: "request.make_request", queue: QueueRequest}
	RequestCreateJob   = Kind[CreateJob]{name: "request.create_job", queue: QueueRequest}
	NotificationNotify = Kind[Notification]{name: "notification.notify", queue: QueueNotification}
	UserVisit          = Kind[Visit]{name: "user.visit", queue: QueueUser}
	UserLike           = Kind[Like]{name: "user.like", queue: QueueUser}
)

var knownEventTypes = map[string]bool{
	LocationUpdate.Name():     true,
	LocationNearby.Name():     true,
	TrackProvider.Name():      true,
	RequestMake.Name():        true,
	RequestCreateJob.Name():   true,
	NotificationNotify.Name(): true,
	UserVisit.Name():          true,
	UserLike.Name():           true,
}

// IsKnownEventType reports whether eventType has a Kind.
func IsKnownEventType(eventType string) bool {
	return knownEventTypes[eventType]
}

// User types carried by notifications and socket identities.
const (
	UserTypeUser     = "user"
	UserTypeMechanic = "mechanic"
)

// ProviderPosition is a provider's last reported location.
type ProviderPosition struct {
	ProviderID string  `json:"providerId"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	CellToken  string  `json:"cellToken"`
	ObservedAt int64   `json:"observedAt"` // unix millis

	// DistanceKm is set on nearby results only.
	DistanceKm float64 `json:"distanceKm,omitempty"`
}

// ObservedTime returns ObservedAt as a time.
func (p ProviderPosition) ObservedTime() time.Time {
	return time.UnixMilli(p.ObservedAt).UTC()
}

// NearbyQuery asks for providers around a point on behalf of a user.
type NearbyQuery struct {
	UserID    string  `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radius"`
	Limit     int     `json:"limit"`
}

// TrackRequest asks for one provider's live position.
type TrackRequest struct {
	UserID     string `json:"userId"`
	ProviderID string `json:"mechanicId"`
}

// JobRequest is a user asking a specific provider for help.
type JobRequest struct {
	UserID     string         `json:"userId"`
	ProviderID string         `json:"mechanicId"`
	JobDetails map[string]any `json:"jobDetails,omitempty"`
}

// CreateJob asks for a single recommended provider near the user.
type CreateJob struct {
	UserID    string  `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radius"`
}

// ProviderSocket delivers notifications over the realtime gateway.
const ProviderSocket = "socket"

// Notification types.
const (
	NotificationRequest = "request"
	NotificationVisit   = "visit"
	NotificationLike    = "like"
)

// Notification is delivered to one recipient through Provider.
type Notification struct {
	Provider string           `json:"provider"`
	Data     NotificationData `json:"data"`
}

// NotificationData is what the recipient sees.
type NotificationData struct {
	UserID   string         `json:"userId"`
	UserType string         `json:"userType,omitempty"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
}

// Visit records one user viewing another's profile.
type Visit struct {
	UserID    string         `json:"userId"`
	VisitorID string         `json:"visitorId"`
	Visitor   map[string]any `json:"user,omitempty"`
}

// Like records one user liking another.
type Like struct {
	UserID  string         `json:"userId"`
	LikerID string         `json:"likerId"`
	Liker   map[string]any `json:"user,omitempty"`
}
