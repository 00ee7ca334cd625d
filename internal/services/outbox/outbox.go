package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/roadside/internal/shared/domain/clock"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

// LockKey serializes Process across every process sharing the store.
const LockKey = "processingOutbox"

// Config holds outbox tuning.
type Config struct {
	BatchSize int
	LockTTL   time.Duration
	Retention time.Duration
}

// DefaultConfig returns a batch size of 500, a 60s lock and 7-day retention.
func DefaultConfig() Config {
	return Config{
		BatchSize: 500,
		LockTTL:   60 * time.Second,
		Retention: 7 * 24 * time.Hour,
	}
}

// Result summarises one Process run.
type Result struct {
	// Skipped is set when another process holds the lock.
	Skipped   bool
	Published int
	Failed    int
}

// Outbox durably records undelivered events and republishes them.
type Outbox struct {
	store     Store
	lock      Locker
	publisher EventPublisher
	config    Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates an Outbox.
func New(store Store, lock Locker, publisher EventPublisher, config Config, m *metrics.Metrics, logger *slog.Logger) *Outbox {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Outbox{
		store:     store,
		lock:      lock,
		publisher: publisher,
		config:    config,
		metrics:   m,
		logger:    logger.With("component", "outbox"),
	}
}

// Add persists an event awaiting delivery with status failed. It returns
// false for unroutable pairs, unencodable payloads and store errors.
func (o *Outbox) Add(ctx context.Context, queue, eventType string, payload any) bool {
	logger := o.logger.With("queue", queue, "event_type", eventType)

	if err := events.Validate(queue, eventType); err != nil {
		logger.Error("rejected outbox event", "error", err)
		o.metrics.Outbox("rejected", 1)
		return false
	}

	raw, err := encodePayload(payload)
	if err != nil {
		logger.Error("failed to encode outbox payload", "error", err)
		o.metrics.Outbox("rejected", 1)
		return false
	}

	id, err := uuid.NewV7()
	if err != nil {
		logger.Error("failed to generate outbox id", "error", err)
		return false
	}

	e := &Event{
		ID:        id,
		QueueName: queue,
		EventType: eventType,
		Payload:   raw,
		Status:    StatusFailed,
		CreatedAt: clock.Now(),
	}
	if err := o.store.Insert(ctx, e); err != nil {
		logger.Error("failed to insert into outbox", "operation", "add", "error", err)
		return false
	}

	logger.Info("event queued in outbox", "outbox_id", id)
	o.metrics.Outbox("added", 1)
	return true
}

// AddEvent is the typed form of Add.
func AddEvent[P any](ctx context.Context, o *Outbox, kind events.Kind[P], payload P) bool {
	return o.Add(ctx, kind.Queue(), kind.Name(), payload)
}

// Process republishes every failed event under the processing lock. A held
// lock makes it a skip. Successful ids are marked published in groups of
// batchSize; events that fail again stay failed for a later run. The lock
// is released on every exit path.
//
// The lock is never renewed, so a run outliving LockTTL may overlap with
// another. That only duplicates publishes; marking is idempotent.
func (o *Outbox) Process(ctx context.Context, batchSize int) Result {
	if batchSize <= 0 {
		batchSize = o.config.BatchSize
	}

	if o.lock.IsLocked(ctx, LockKey) {
		o.logger.Debug("outbox already being processed, skipping")
		return Result{Skipped: true}
	}
	if !o.lock.Acquire(ctx, LockKey, o.config.LockTTL) {
		o.logger.Debug("outbox lock not acquired, skipping")
		return Result{Skipped: true}
	}
	defer o.lock.Release(context.WithoutCancel(ctx), LockKey)

	var result Result
	pending := make([]uuid.UUID, 0, batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		n, err := o.store.MarkPublished(ctx, pending, clock.Now())
		if err != nil {
			// Left failed; the next run republishes them.
			o.logger.Error("failed to mark outbox events published",
				"operation", "mark_published",
				"count", len(pending),
				"error", err,
			)
		} else {
			o.logger.Debug("marked outbox events published", "count", n)
		}
		pending = pending[:0]
	}
	defer flush()

	var cursor Cursor
	for {
		page, err := o.store.FetchFailed(ctx, cursor, batchSize)
		if err != nil {
			o.logger.Error("failed to fetch failed outbox events", "operation", "fetch_failed", "error", err)
			break
		}

		for _, e := range page {
			if ctx.Err() != nil {
				break
			}
			if o.publisher.PublishRaw(ctx, e.QueueName, e.EventType, e.Payload) {
				pending = append(pending, e.ID)
				result.Published++
				if len(pending) >= batchSize {
					flush()
				}
			} else {
				result.Failed++
			}
		}

		if ctx.Err() != nil || len(page) < batchSize {
			break
		}
		last := page[len(page)-1]
		cursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	o.metrics.Outbox("published", result.Published)
	o.metrics.Outbox("failed", result.Failed)
	if result.Published > 0 || result.Failed > 0 {
		o.logger.Info("outbox processed", "published", result.Published, "failed", result.Failed)
	}
	return result
}

// Purge deletes published events older than the retention window. Failed
// events are never purged.
func (o *Outbox) Purge(ctx context.Context) int64 {
	if o.config.Retention <= 0 {
		return 0
	}
	n, err := o.store.PurgePublished(ctx, clock.Now().Add(-o.config.Retention))
	if err != nil {
		o.logger.Error("failed to purge published outbox events", "operation", "purge", "error", err)
		return 0
	}
	if n > 0 {
		o.logger.Info("purged published outbox events", "count", n)
		o.metrics.Outbox("purged", int(n))
	}
	return n
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
