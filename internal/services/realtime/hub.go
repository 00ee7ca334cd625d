package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/cornjacket/roadside/internal/router"
)

// EmitChannel is the redis channel every process's hub listens on.
const EmitChannel = "realtime:emit"

// emitMessage is an emit in flight between processes.
type emitMessage struct {
	Namespace string          `json:"namespace"`
	Target    string          `json:"target"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

// frame is what a socket receives.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type room struct {
	namespace string
	userID    string
}

// Hub tracks the sockets connected to this process, grouped into one room
// per user. Emits go through redis so a socket connected to any process
// receives them. Without redis the hub only reaches local sockets.
type Hub struct {
	rdb    redis.UniversalClient
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[room]map[*socket]struct{}
}

// NewHub creates a Hub. rdb may be nil.
func NewHub(rdb redis.UniversalClient, logger *slog.Logger) *Hub {
	return &Hub{
		rdb:    rdb,
		logger: logger.With("component", "realtime-hub"),
		rooms:  make(map[room]map[*socket]struct{}),
	}
}

// Emit sends event to every socket of target in namespace, on any process.
// If redis refuses the publish the emit still reaches local sockets.
func (h *Hub) Emit(ctx context.Context, namespace, target, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	msg := emitMessage{Namespace: namespace, Target: target, Event: event, Payload: data}

	if h.rdb == nil {
		h.deliver(msg)
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode emit: %w", err)
	}
	if err := h.rdb.Publish(ctx, EmitChannel, body).Err(); err != nil {
		h.logger.Warn("failed to publish emit, delivering locally",
			"event", event,
			"target", target,
			"error", err,
		)
		h.deliver(msg)
	}
	return nil
}

// Run subscribes to EmitChannel and delivers what arrives to local
// sockets. The subscription is confirmed before Run returns; stop ends it.
func (h *Hub) Run(ctx context.Context) (stop func(), err error) {
	if h.rdb == nil {
		return func() {}, nil
	}

	sub := h.rdb.Subscribe(ctx, EmitChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", EmitChannel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range sub.Channel() {
			var msg emitMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				h.logger.Warn("dropping malformed emit", "error", err)
				continue
			}
			h.deliver(msg)
		}
	}()

	h.logger.Info("listening for emits", "channel", EmitChannel)
	return func() {
		_ = sub.Close()
		<-done
	}, nil
}

// deliver hands msg to the local sockets of its target and returns how
// many accepted it.
func (h *Hub) deliver(msg emitMessage) int {
	body, err := json.Marshal(frame{Event: msg.Event, Data: msg.Payload})
	if err != nil {
		h.logger.Error("failed to encode frame", "event", msg.Event, "error", err)
		return 0
	}

	h.mu.RLock()
	members := make([]*socket, 0, len(h.rooms[room{msg.Namespace, msg.Target}]))
	for s := range h.rooms[room{msg.Namespace, msg.Target}] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		if s.enqueue(body) {
			delivered++
			continue
		}
		h.logger.Warn("socket not keeping up, dropping frame", "user_id", msg.Target, "event", msg.Event)
	}
	return delivered
}

func (h *Hub) register(s *socket) {
	key := room{s.namespace, s.identity.UserID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*socket]struct{})
	}
	h.rooms[key][s] = struct{}{}
}

func (h *Hub) unregister(s *socket) {
	key := room{s.namespace, s.identity.UserID}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[key], s)
	if len(h.rooms[key]) == 0 {
		delete(h.rooms, key)
	}
}

// Connected returns how many local sockets userID has in namespace.
func (h *Hub) Connected(namespace, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room{namespace, userID}])
}

// CloseAll disconnects every local socket.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*socket
	for _, members := range h.rooms {
		for s := range members {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.close()
	}
}

var _ router.Emitter = (*Hub)(nil)
