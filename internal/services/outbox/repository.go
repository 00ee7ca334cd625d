package outbox

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status is the delivery state of an outbox event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Event is an announcement that was intended but not confirmed delivered.
type Event struct {
	ID          uuid.UUID
	QueueName   string
	EventType   string
	Payload     json.RawMessage
	Status      Status
	Retries     int // informational, never drives behaviour
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Cursor is a keyset position in (created_at, id) order. The zero Cursor
// starts from the beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID.IsNil()
}

// Store persists outbox events.
// This interface is owned by the outbox package.
// Infrastructure adapters (e.g., postgres) implement this interface.
type Store interface {
	Insert(ctx context.Context, e *Event) error

	// FetchFailed returns up to limit failed events after the cursor,
	// ordered by (created_at, id).
	FetchFailed(ctx context.Context, after Cursor, limit int) ([]Event, error)

	// MarkPublished sets status and processed_at on rows not already
	// published and returns how many changed.
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error)

	// PurgePublished deletes published rows processed before the cutoff.
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
}

// Locker serializes processing across processes.
// This interface is satisfied by lock.Lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) bool
	IsLocked(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
}

// EventPublisher republishes events.
// This interface is satisfied by router.Publisher.
type EventPublisher interface {
	PublishRaw(ctx context.Context, queue, eventType string, payload any) bool
}

// Listener receives insert notifications. *pgx.Conn satisfies it.
type Listener interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}
