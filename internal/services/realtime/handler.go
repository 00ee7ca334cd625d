package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/cornjacket/roadside/internal/shared/domain/clock"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// Identity headers set by the upstream authenticator.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserType = "X-User-Type"
)

// PositionRequest is the body of POST /api/v1/positions.
type PositionRequest struct {
	ProviderID string  `json:"providerId"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ObservedAt int64   `json:"observedAt,omitempty"` // unix millis
}

// Handler handles HTTP and websocket requests for the realtime service.
type Handler struct {
	hub       *Hub
	gateway   *Gateway
	positions Positions
	checks    map[string]HealthCheck
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewHandler creates a new realtime handler.
func NewHandler(hub *Hub, gateway *Gateway, positions Positions, checks map[string]HealthCheck, logger *slog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		gateway:   gateway,
		positions: positions,
		checks:    checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("handler", "realtime"),
	}
}

// HandleSocket handles GET /api/v1/socket.
func (h *Handler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	id := Identity{UserID: r.Header.Get(HeaderUserID), UserType: r.Header.Get(HeaderUserType)}
	if id.UserID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID)
		return
	}
	if id.UserType != events.UserTypeUser && id.UserType != events.UserTypeMechanic {
		h.writeError(w, http.StatusUnauthorized, "invalid "+HeaderUserType)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSocket(conn, events.Namespace, id, h.logger)
	h.hub.register(s)
	defer func() {
		h.hub.unregister(s)
		s.close()
		h.logger.Info("socket disconnected", "user_id", id.UserID, "user_type", id.UserType)
	}()
	go s.writeLoop()

	h.logger.Info("socket connected", "user_id", id.UserID, "user_type", id.UserType)

	ctx := r.Context()
	s.readLoop(func(raw []byte) {
		if reply := h.gateway.Handle(ctx, id, raw); reply != nil {
			s.emit(events.SocketAppError, reply)
		}
	})
}

// HandleRecordPosition handles POST /api/v1/positions.
func (h *Handler) HandleRecordPosition(w http.ResponseWriter, r *http.Request) {
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProviderID == "" {
		h.writeError(w, http.StatusBadRequest, "providerId is required")
		return
	}

	observedAt := clock.Now()
	if req.ObservedAt != 0 {
		observedAt = time.UnixMilli(req.ObservedAt).UTC()
	}

	if !h.positions.RecordPosition(r.Context(), req.ProviderID, req.Latitude, req.Longitude, observedAt) {
		h.writeError(w, http.StatusUnprocessableEntity, "position not recorded")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true})
}

// HandleNearby handles GET /api/v1/positions/nearby.
func (h *Handler) HandleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		h.writeError(w, http.StatusBadRequest, "lat and lon are required numbers")
		return
	}

	radius := float64(DefaultRadiusKm)
	if s := q.Get("radius"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			radius = v
		}
	}
	limit := DefaultLimit
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}

	found := h.positions.Nearby(r.Context(), lat, lon, radius, limit)
	if found == nil {
		found = []events.ProviderPosition{}
	}
	h.writeJSON(w, http.StatusOK, found)
}

// HandleTrack handles GET /api/v1/positions/{id}.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.positions.Track(r.Context(), r.PathValue("id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "position not found")
		return
	}
	h.writeJSON(w, http.StatusOK, pos)
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := map[string]string{"status": "healthy"}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", "backend", name, "error", err)
			result[name] = err.Error()
			result["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	h.writeJSON(w, status, result)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
