package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/roadside/internal/services/outbox"
)

// OutboxRepo implements outbox.Store using PostgreSQL.
type OutboxRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewOutboxRepo creates a new OutboxRepo.
func NewOutboxRepo(pool *pgxpool.Pool, logger *slog.Logger) *OutboxRepo {
	return &OutboxRepo{
		pool:   pool,
		logger: logger.With("repository", "outbox"),
	}
}

// Insert adds an event to the outbox_events table.
func (r *OutboxRepo) Insert(ctx context.Context, e *outbox.Event) error {
	query := `
		INSERT INTO outbox_events (id, queue_name, event_type, payload, status, retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID.String(), e.QueueName, e.EventType, []byte(e.Payload), string(e.Status), e.Retries, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert into outbox: %w", err)
	}

	r.logger.Debug("event inserted into outbox",
		"outbox_id", e.ID,
		"event_type", e.EventType,
	)
	return nil
}

const selectEventColumns = `SELECT id::text, queue_name, event_type, payload, status, retries, created_at, processed_at FROM outbox_events`

// FetchFailed returns failed events after the cursor in (created_at, id) order.
func (r *OutboxRepo) FetchFailed(ctx context.Context, after outbox.Cursor, limit int) ([]outbox.Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = r.pool.Query(ctx, selectEventColumns+`
			WHERE status = 'failed'
			ORDER BY created_at, id
			LIMIT $1`, limit)
	} else {
		rows, err = r.pool.Query(ctx, selectEventColumns+`
			WHERE status = 'failed' AND (created_at, id) > ($1, $2::uuid)
			ORDER BY created_at, id
			LIMIT $3`, after.CreatedAt, after.ID.String(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		var (
			e       outbox.Event
			id      string
			status  string
			payload []byte
		)
		if err := rows.Scan(&id, &e.QueueName, &e.EventType, &payload, &status, &e.Retries, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		e.ID, err = uuid.FromString(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse outbox id %q: %w", id, err)
		}
		e.Status = outbox.Status(status)
		e.Payload = payload
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return out, nil
}

// MarkPublished marks ids published. Rows already published keep their
// original processed_at.
func (r *OutboxRepo) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	query := `
		UPDATE outbox_events
		SET status = 'published', processed_at = $2
		WHERE id = ANY($1::uuid[]) AND status <> 'published'
	`
	tag, err := r.pool.Exec(ctx, query, strs, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark outbox events published: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgePublished deletes published events processed before the cutoff.
func (r *OutboxRepo) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM outbox_events WHERE status = 'published' AND processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ outbox.Store = (*OutboxRepo)(nil)
