package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	eventsclient "github.com/cornjacket/roadside/internal/client/events"
	"github.com/cornjacket/roadside/internal/geocache"
	"github.com/cornjacket/roadside/internal/lock"
	"github.com/cornjacket/roadside/internal/router"
	"github.com/cornjacket/roadside/internal/services/dispatch"
	"github.com/cornjacket/roadside/internal/services/outbox"
	"github.com/cornjacket/roadside/internal/services/realtime"
	"github.com/cornjacket/roadside/internal/shared/config"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
	"github.com/cornjacket/roadside/internal/shared/infra/mongo"
	natsbroker "github.com/cornjacket/roadside/internal/shared/infra/nats"
	"github.com/cornjacket/roadside/internal/shared/infra/postgres"
	"github.com/cornjacket/roadside/internal/shared/infra/redis"
	"github.com/cornjacket/roadside/internal/shared/infra/redpanda"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

// broker is a router.Broker that can also report its health.
type broker interface {
	router.Broker
	Health(ctx context.Context) error
}

type memoryBroker struct{ *router.MemoryBroker }

func (memoryBroker) Health(context.Context) error { return nil }

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting roadside services",
		"http_port", cfg.HTTPPort,
		"broker", cfg.Broker,
		"dispatch", cfg.EnableDispatch,
		"outbox_worker", cfg.EnableOutboxWorker,
		"realtime", cfg.EnableRealtime,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Backends
	redisClient, err := redis.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	mongoClient, err := mongo.NewClient(ctx, cfg.MongoURL, cfg.MongoDatabase, logger)
	if err != nil {
		slog.Error("failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = mongoClient.Close(closeCtx)
	}()

	geoStore := mongo.NewGeoStore(mongoClient.Database(), logger)
	if err := geoStore.EnsureIndexes(ctx); err != nil {
		slog.Error("failed to create geo indexes", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrations(cfg.DatabaseURL, outbox.Migrations, "migrations", outbox.MigrationTable, logger); err != nil {
		slog.Error("failed to run outbox migrations", "error", err)
		os.Exit(1)
	}
	pg, err := postgres.NewClient(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	eventBroker, err := newBroker(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to connect to broker", "broker", cfg.Broker, "error", err)
		os.Exit(1)
	}
	defer eventBroker.Close()

	// Core components
	locks := lock.New(redisClient.Redis(), m, logger)
	publisher := router.NewPublisher(eventBroker, m, logger)

	outboxCfg := outbox.DefaultConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.LockTTL = cfg.OutboxLockTTL
	outboxCfg.Retention = cfg.OutboxRetention
	ob := outbox.New(postgres.NewOutboxRepo(pg.Pool(), logger), locks, publisher, outboxCfg, m, logger)

	client := eventsclient.New(publisher, ob, logger)

	cache := geocache.New(redisClient.Redis(), geoStore,
		geocache.AnnounceFunc(func(ctx context.Context, pos events.ProviderPosition) bool {
			return eventsclient.Send(ctx, client, events.LocationUpdate, pos)
		}),
		geocache.Config{
			CellLevel:        cfg.GeoCellLevel,
			CoarsestLevel:    cfg.GeoCoarsestLevel,
			MaxCells:         cfg.GeoMaxCells,
			PositionTTL:      cfg.GeoPositionTTL,
			CellTTL:          cfg.GeoCellTTL,
			MaxRadiusKm:      cfg.GeoMaxRadiusKm,
			FetchConcurrency: geocache.DefaultConfig().FetchConcurrency,
			AnnounceTimeout:  geocache.DefaultConfig().AnnounceTimeout,
		}, m, logger)
	defer cache.Wait()

	hub := realtime.NewHub(redisClient.Redis(), logger)

	// Start services
	var shutdowns []namedShutdown

	if cfg.EnableRealtime {
		realtimeSvc, err := realtime.Start(ctx, realtime.Config{Port: cfg.HTTPPort}, realtime.Deps{
			Hub:       hub,
			Positions: cache,
			Sender:    client,
			Gatherer:  registry,
			Checks: map[string]realtime.HealthCheck{
				"redis":    redisClient.Health,
				"mongo":    mongoClient.Health,
				"postgres": pg.Health,
				"broker":   eventBroker.Health,
			},
		}, logger)
		if err != nil {
			slog.Error("failed to start realtime service", "error", err)
			os.Exit(1)
		}
		shutdowns = append(shutdowns, namedShutdown{"realtime", realtimeSvc.Shutdown})
	}

	if cfg.EnableDispatch {
		dispatchSvc, err := dispatch.Start(ctx, dispatch.Config{Exchange: cfg.Exchange}, dispatch.Deps{
			Broker:    eventBroker,
			Emitter:   hub,
			Locator:   cache,
			Snapshots: geoStore,
			Notifier:  client,
			Metrics:   m,
		}, logger)
		if err != nil {
			slog.Error("failed to start dispatch service", "error", err)
			os.Exit(1)
		}
		shutdowns = append(shutdowns, namedShutdown{"dispatch", dispatchSvc.Shutdown})
	}

	if cfg.EnableOutboxWorker {
		workerSvc, err := startOutboxWorker(ctx, cfg, pg, ob, logger)
		if err != nil {
			slog.Error("failed to start outbox worker", "error", err)
			os.Exit(1)
		}
		shutdowns = append(shutdowns, namedShutdown{"outbox worker", workerSvc})
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled")
	}

	// Graceful shutdown (reverse order)
	slog.Info("shutting down services...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for i := len(shutdowns) - 1; i >= 0; i-- {
		if err := shutdowns[i].fn(shutdownCtx); err != nil {
			slog.Error("service shutdown error", "service", shutdowns[i].name, "error", err)
		}
	}

	slog.Info("roadside services stopped")
}

type namedShutdown struct {
	name string
	fn   func(ctx context.Context) error
}

// newBroker connects the transport named by cfg.Broker.
func newBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker, error) {
	switch cfg.Broker {
	case config.BrokerNATS:
		return natsbroker.NewBroker(ctx, natsbroker.Config{URL: cfg.NATSURL, Exchange: cfg.Exchange}, logger)
	case config.BrokerRedpanda:
		return redpanda.NewBroker(strings.Split(cfg.RedpandaBrokers, ","), cfg.Exchange, logger)
	case config.BrokerMemory:
		logger.Warn("using in-process broker; events do not leave this process")
		return memoryBroker{router.NewMemoryBroker()}, nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// startOutboxWorker runs the outbox worker on a dedicated LISTEN
// connection and returns its shutdown.
func startOutboxWorker(ctx context.Context, cfg *config.Config, pg *postgres.Client, ob *outbox.Outbox, logger *slog.Logger) (func(context.Context) error, error) {
	listenConn, err := pg.ListenConn(ctx)
	if err != nil {
		return nil, err
	}

	worker := outbox.NewWorker(ob, listenConn, outbox.WorkerConfig{
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxInterval,
		RunTimeout:   cfg.OutboxLockTTL,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Start(workerCtx); err != nil {
			logger.Error("outbox worker error", "error", err)
		}
	}()

	return func(shutdownCtx context.Context) error {
		logger.Info("shutting down outbox worker")
		workerCancel()
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
		return listenConn.Close(shutdownCtx)
	}, nil
}

// newLogger creates a structured logger based on configuration.
func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
