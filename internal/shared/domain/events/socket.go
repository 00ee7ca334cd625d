package events

// Namespace is the realtime namespace every socket joins.
const Namespace = "/api/v1/socket"

// Socket events pushed to clients.
const (
	SocketNearbyMechanics = "nearByMechanics"
	SocketTrackMechanic   = "trackMechanic"
	SocketNotification    = "notification"
	SocketRecommendation  = "recommendation"
	SocketAppError        = "appError"
)

// Response is the body of socket replies.
type Response struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// OK builds a successful Response. A nil data becomes an empty object.
func OK(message string, data any) Response {
	if data == nil {
		data = map[string]any{}
	}
	return Response{Message: message, Data: data}
}

// Fail builds an error Response.
func Fail(message string) Response {
	return Response{Error: true, Message: message, Data: map[string]any{}}
}
