package realtime

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/cornjacket/roadside/internal/geocache"
	"github.com/cornjacket/roadside/internal/shared/domain/clock"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// Directives a socket may send.
const (
	DirectiveUpdateLocation  = "updateLocation"
	DirectiveNearbyMechanics = "nearByMechanics"
	DirectiveTrackMechanic   = "trackMechanic"
)

// Nearby query defaults when the client leaves them out.
const (
	DefaultRadiusKm = 20
	DefaultLimit    = 20
)

const (
	minTimestampYear = 1970
	maxTimestampYear = 3000

	// Timestamps below this are taken as seconds.
	millisThreshold = 10_000_000_000
)

// directive is one message from a socket.
type directive struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// number accepts a JSON number or a numeric string. Anything else reads
// as zero, which the callers then default or reject.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = number(f)
	return nil
}

type locationUpdate struct {
	Latitude  number `json:"latitude"`
	Longitude number `json:"longitude"`
	Timestamp number `json:"timestamp"`
}

type nearbyRequest struct {
	Latitude  number `json:"latitude"`
	Longitude number `json:"longitude"`
	Radius    number `json:"radius"`
	Limit     number `json:"limit"`
}

type trackRequest struct {
	MechanicID string `json:"mechanicId"`
}

// Gateway turns socket directives into cache writes and queued events.
type Gateway struct {
	positions Positions
	sender    Sender
	logger    *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(positions Positions, sender Sender, logger *slog.Logger) *Gateway {
	return &Gateway{
		positions: positions,
		sender:    sender,
		logger:    logger.With("component", "realtime-gateway"),
	}
}

// Handle runs one directive for id. A non-nil result is the appError
// reply for the socket.
func (g *Gateway) Handle(ctx context.Context, id Identity, raw []byte) *events.Response {
	var d directive
	if err := json.Unmarshal(raw, &d); err != nil {
		return fail("Malformed message")
	}

	switch d.Event {
	case DirectiveUpdateLocation:
		return g.updateLocation(ctx, id, d.Data)
	case DirectiveNearbyMechanics:
		return g.nearbyMechanics(ctx, id, d.Data)
	case DirectiveTrackMechanic:
		return g.trackMechanic(ctx, id, d.Data)
	default:
		g.logger.Warn("unknown directive", "event", d.Event, "user_id", id.UserID)
		return fail("Unknown event: " + d.Event)
	}
}

func (g *Gateway) updateLocation(ctx context.Context, id Identity, data json.RawMessage) *events.Response {
	if id.UserType != events.UserTypeMechanic {
		return fail("Invalid user type, 'mechanic' user required")
	}

	var in locationUpdate
	if err := decodeData(data, &in); err != nil {
		return fail("Malformed location update")
	}

	lat, lon := float64(in.Latitude), float64(in.Longitude)
	if err := geocache.ValidateCoordinates(lat, lon); err != nil {
		g.logger.Warn("invalid coordinates", "user_id", id.UserID, "latitude", lat, "longitude", lon)
		return fail("Invalid coordinates provided")
	}

	observedAt, ok := parseTimestamp(int64(in.Timestamp))
	if !ok {
		g.logger.Warn("invalid timestamp", "user_id", id.UserID, "timestamp", int64(in.Timestamp))
		return fail("Invalid timestamp provided")
	}

	if !g.positions.RecordPosition(ctx, id.UserID, lat, lon, observedAt) {
		return fail("Failed to update location")
	}
	return nil
}

func (g *Gateway) nearbyMechanics(ctx context.Context, id Identity, data json.RawMessage) *events.Response {
	if id.UserType != events.UserTypeUser {
		return fail("Invalid user type, 'user' user required")
	}

	var in nearbyRequest
	if err := decodeData(data, &in); err != nil {
		return fail("Malformed nearby request")
	}

	q := events.NearbyQuery{
		UserID:    id.UserID,
		Latitude:  float64(in.Latitude),
		Longitude: float64(in.Longitude),
		RadiusKm:  float64(in.Radius),
		Limit:     int(in.Limit),
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = DefaultRadiusKm
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if err := geocache.ValidateCoordinates(q.Latitude, q.Longitude); err != nil {
		return fail("Invalid coordinates provided")
	}

	if !send(ctx, g.sender, events.LocationNearby, q) {
		return fail("Failed to request nearby mechanics")
	}
	return nil
}

func (g *Gateway) trackMechanic(ctx context.Context, id Identity, data json.RawMessage) *events.Response {
	if id.UserType != events.UserTypeUser {
		return fail("Invalid user type, 'user' user required")
	}

	var in trackRequest
	if err := decodeData(data, &in); err != nil || strings.TrimSpace(in.MechanicID) == "" {
		return fail("Invalid mechanicId provided")
	}

	if !send(ctx, g.sender, events.TrackProvider, events.TrackRequest{UserID: id.UserID, ProviderID: in.MechanicID}) {
		return fail("Failed to track mechanic")
	}
	return nil
}

// parseTimestamp reads seconds or milliseconds since the epoch. Zero means
// the client sent none and the server time is used.
func parseTimestamp(ts int64) (time.Time, bool) {
	if ts == 0 {
		return clock.Now(), true
	}
	var t time.Time
	if ts < millisThreshold {
		t = time.Unix(ts, 0)
	} else {
		t = time.UnixMilli(ts)
	}
	t = t.UTC()
	if y := t.Year(); y < minTimestampYear || y > maxTimestampYear {
		return time.Time{}, false
	}
	return t, true
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func send[P any](ctx context.Context, s Sender, kind events.Kind[P], payload P) bool {
	return s.Send(ctx, kind.Queue(), kind.Name(), payload)
}

func fail(message string) *events.Response {
	r := events.Fail(message)
	return &r
}
