// Package realtime is the socket gateway: it accepts provider and user
// websockets, turns their directives into cache writes and queued events,
// and pushes dispatch replies back to them from any process.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for the realtime service.
type Config struct {
	Port int
}

// Deps are the collaborators the realtime service needs.
type Deps struct {
	Hub       *Hub
	Positions Positions
	Sender    Sender
	Gatherer  prometheus.Gatherer
	Checks    map[string]HealthCheck
}

// RunningService represents a started realtime service.
type RunningService struct {
	// Port is the port the server listens on.
	Port int

	// Shutdown stops the HTTP server, disconnects sockets and ends the
	// emit subscription.
	Shutdown func(ctx context.Context) error
}

// Start subscribes the hub to cross-process emits and starts the HTTP
// server. Port 0 picks a free port.
func Start(ctx context.Context, cfg Config, deps Deps, logger *slog.Logger) (*RunningService, error) {
	logger = logger.With("service", "realtime")

	stopHub, err := deps.Hub.Run(ctx)
	if err != nil {
		return nil, err
	}

	gateway := NewGateway(deps.Positions, deps.Sender, logger)
	handler := NewHandler(deps.Hub, gateway, deps.Positions, deps.Checks, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, deps.Gatherer)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		stopHub()
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting realtime server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("realtime server error", "error", err)
		}
	}()

	return &RunningService{
		Port: ln.Addr().(*net.TCPAddr).Port,
		Shutdown: func(shutdownCtx context.Context) error {
			logger.Info("shutting down realtime service")
			err := server.Shutdown(shutdownCtx)
			deps.Hub.CloseAll()
			stopHub()
			return err
		},
	}, nil
}
