package dispatch

import (
	"context"
	"sync"

	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// mockLocator implements Locator for testing.
type mockLocator struct {
	NearbyFn func(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition
	TrackFn  func(ctx context.Context, providerID string) (events.ProviderPosition, bool)
}

func (m *mockLocator) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) []events.ProviderPosition {
	return m.NearbyFn(ctx, lat, lon, radiusKm, limit)
}

func (m *mockLocator) Track(ctx context.Context, providerID string) (events.ProviderPosition, bool) {
	return m.TrackFn(ctx, providerID)
}

// mockSnapshotWriter implements SnapshotWriter for testing.
type mockSnapshotWriter struct {
	UpsertSnapshotFn func(ctx context.Context, pos events.ProviderPosition) error
}

func (m *mockSnapshotWriter) UpsertSnapshot(ctx context.Context, pos events.ProviderPosition) error {
	return m.UpsertSnapshotFn(ctx, pos)
}

// recordingNotifier implements Notifier and remembers every call.
type recordingNotifier struct {
	mu     sync.Mutex
	result bool
	sent   []events.NotificationData
}

func (n *recordingNotifier) Notify(ctx context.Context, data events.NotificationData) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, data)
	return n.result
}

// emitted is one recorded Emit call.
type emitted struct {
	Namespace string
	Target    string
	Event     string
	Payload   any
}

// recordingEmitter implements router.Emitter.
type recordingEmitter struct {
	mu    sync.Mutex
	calls []emitted
	ch    chan emitted
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan emitted, 16)}
}

func (e *recordingEmitter) Emit(ctx context.Context, namespace, target, event string, payload any) error {
	call := emitted{namespace, target, event, payload}
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	select {
	case e.ch <- call:
	default:
	}
	return nil
}

func (e *recordingEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.calls...)
}
