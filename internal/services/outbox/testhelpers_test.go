package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type jsonRaw = json.RawMessage

// mockStore implements Store for testing.
type mockStore struct {
	InsertFn         func(ctx context.Context, e *Event) error
	FetchFailedFn    func(ctx context.Context, after Cursor, limit int) ([]Event, error)
	MarkPublishedFn  func(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error)
	PurgePublishedFn func(ctx context.Context, before time.Time) (int64, error)
}

func (m *mockStore) Insert(ctx context.Context, e *Event) error {
	return m.InsertFn(ctx, e)
}

func (m *mockStore) FetchFailed(ctx context.Context, after Cursor, limit int) ([]Event, error) {
	return m.FetchFailedFn(ctx, after, limit)
}

func (m *mockStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	return m.MarkPublishedFn(ctx, ids, at)
}

func (m *mockStore) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	return m.PurgePublishedFn(ctx, before)
}

// mockLocker implements Locker and records releases.
type mockLocker struct {
	IsLockedFn func(ctx context.Context, key string) bool
	AcquireFn  func(ctx context.Context, key string, ttl time.Duration) bool

	mu       sync.Mutex
	released []string
}

func (m *mockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	if m.AcquireFn == nil {
		return true
	}
	return m.AcquireFn(ctx, key, ttl)
}

func (m *mockLocker) IsLocked(ctx context.Context, key string) bool {
	if m.IsLockedFn == nil {
		return false
	}
	return m.IsLockedFn(ctx, key)
}

func (m *mockLocker) Release(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, key)
}

func (m *mockLocker) releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

// mockPublisher implements EventPublisher for testing.
type mockPublisher struct {
	PublishRawFn func(ctx context.Context, queue, eventType string, payload any) bool
}

func (m *mockPublisher) PublishRaw(ctx context.Context, queue, eventType string, payload any) bool {
	return m.PublishRawFn(ctx, queue, eventType, payload)
}

// mockListener implements Listener for testing.
type mockListener struct {
	notifications chan *pgconn.Notification
	mu            sync.Mutex
	executed      []string
}

func (m *mockListener) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, sql)
	return pgconn.CommandTag{}, nil
}

func (m *mockListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-m.notifications:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// memStore is an in-memory Store with the same ordering and marking
// semantics as the postgres adapter.
type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Event
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]*Event)}
}

func (s *memStore) Insert(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.rows[e.ID] = &cp
	return nil
}

func (s *memStore) FetchFailed(ctx context.Context, after Cursor, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.rows {
		if e.Status != StatusFailed {
			continue
		}
		if !after.IsZero() && !cursorBefore(after, e) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cursorBefore(c Cursor, e *Event) bool {
	if !c.CreatedAt.Equal(e.CreatedAt) {
		return c.CreatedAt.Before(e.CreatedAt)
	}
	return c.ID.String() < e.ID.String()
}

func (s *memStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		e, ok := s.rows[id]
		if !ok || e.Status == StatusPublished {
			continue
		}
		e.Status = StatusPublished
		ts := at
		e.ProcessedAt = &ts
		n++
	}
	return n, nil
}

func (s *memStore) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.rows {
		if e.Status == StatusPublished && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) count(status Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.rows {
		if e.Status == status {
			n++
		}
	}
	return n
}

// failedEvents builds n failed events one second apart.
func failedEvents(n int, start time.Time) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{
			ID:        uuid.Must(uuid.NewV7()),
			QueueName: "location_queue",
			EventType: "location.update",
			Payload:   []byte(`{"providerId":"m1"}`),
			Status:    StatusFailed,
			CreatedAt: start.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

// pagedFetch serves rows as keyset pages.
func pagedFetch(rows []Event) func(ctx context.Context, after Cursor, limit int) ([]Event, error) {
	return func(ctx context.Context, after Cursor, limit int) ([]Event, error) {
		start := 0
		if !after.IsZero() {
			for i, e := range rows {
				if e.ID == after.ID {
					start = i + 1
					break
				}
			}
		}
		end := start + limit
		if end > len(rows) {
			end = len(rows)
		}
		return rows[start:end], nil
	}
}
