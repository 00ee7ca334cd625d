package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Runner is the part of Outbox the worker drives.
type Runner interface {
	Process(ctx context.Context, batchSize int) Result
	Purge(ctx context.Context) int64
}

var _ Runner = (*Outbox)(nil)

// WorkerConfig holds configuration for the outbox worker.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	PurgeEvery   time.Duration

	// RunTimeout bounds each Process and Purge call. Keep it at or below
	// the outbox LockTTL.
	RunTimeout time.Duration
}

// Worker runs Process on a watchdog timer and whenever an insert is
// announced over LISTEN/NOTIFY. Inserts only happen while publishing
// fails, so after a run that republished nothing but failures,
// notifications are ignored until the timer runs again.
type Worker struct {
	outbox    Runner
	listener  Listener
	config    WorkerConfig
	logger    *slog.Logger
	lastPurge time.Time
	backoff   bool
}

// NewWorker creates a worker. A nil listener leaves only the timer.
func NewWorker(outbox Runner, listener Listener, config WorkerConfig, logger *slog.Logger) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Minute
	}
	if config.PurgeEvery <= 0 {
		config.PurgeEvery = time.Hour
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultConfig().LockTTL
	}
	return &Worker{
		outbox:   outbox,
		listener: listener,
		config:   config,
		logger:   logger.With("component", "outbox-worker"),
	}
}

// Start processes the outbox until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting outbox worker",
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"listen", w.listener != nil,
	)

	notifyCh := make(chan *pgconn.Notification, 1)
	if w.listener != nil {
		if _, err := w.listener.Exec(ctx, "LISTEN outbox_insert"); err != nil {
			return err
		}
		go w.notificationListener(ctx, notifyCh)
	}

	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return nil

		case notification := <-notifyCh:
			if notification != nil {
				if w.backoff {
					w.logger.Debug("publishing still failing, NOTIFY deferred to timer", "payload", notification.Payload)
					continue
				}
				w.logger.Debug("received NOTIFY", "payload", notification.Payload)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.config.PollInterval)
				w.runOnce(ctx)
			}

		case <-timer.C:
			w.logger.Debug("watchdog timer fired, processing outbox")
			w.runOnce(ctx)
			timer.Reset(w.config.PollInterval)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancel()

	result := w.outbox.Process(runCtx, w.config.BatchSize)
	if !result.Skipped {
		w.backoff = result.Published == 0 && result.Failed > 0
	}

	if time.Since(w.lastPurge) >= w.config.PurgeEvery {
		purgeCtx, cancelPurge := context.WithTimeout(ctx, w.config.RunTimeout)
		w.outbox.Purge(purgeCtx)
		cancelPurge()
		w.lastPurge = time.Now()
	}
}

// notificationListener continuously listens for PostgreSQL notifications.
func (w *Worker) notificationListener(ctx context.Context, notifyCh chan<- *pgconn.Notification) {
	for {
		notification, err := w.listener.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("error waiting for notification", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case notifyCh <- notification:
		case <-ctx.Done():
			return
		}
	}
}
