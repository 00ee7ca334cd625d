package realtime

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// RegisterRoutes registers realtime routes on the provided mux. A nil
// gatherer leaves /metrics unregistered.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET "+events.Namespace, h.HandleSocket)

	// "nearby" is more specific than "{id}", so it wins.
	mux.HandleFunc("POST /api/v1/positions", h.HandleRecordPosition)
	mux.HandleFunc("GET /api/v1/positions/nearby", h.HandleNearby)
	mux.HandleFunc("GET /api/v1/positions/{id}", h.HandleTrack)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}
