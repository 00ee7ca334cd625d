package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 64
)

// Identity is who a socket belongs to, as asserted by the upstream
// authenticator.
type Identity struct {
	UserID   string
	UserType string
}

// socket is one websocket connection. Writes happen only on writeLoop;
// everything else queues frames through enqueue.
type socket struct {
	conn      *websocket.Conn
	namespace string
	identity  Identity
	logger    *slog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, namespace string, id Identity, logger *slog.Logger) *socket {
	return &socket{
		conn:      conn,
		namespace: namespace,
		identity:  id,
		logger:    logger.With("user_id", id.UserID, "user_type", id.UserType),
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
	}
}

// enqueue queues body for writing. It reports false when the socket is
// closed or its buffer is full.
func (s *socket) enqueue(body []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- body:
		return true
	default:
		return false
	}
}

// emit queues one event for this socket only.
func (s *socket) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode payload", "event", event, "error", err)
		return
	}
	body, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		s.logger.Error("failed to encode frame", "event", event, "error", err)
		return
	}
	if !s.enqueue(body) {
		s.logger.Warn("dropping frame for slow socket", "event", event)
	}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// readLoop hands every text message to handle until the peer goes away.
func (s *socket) readLoop(handle func(raw []byte)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("socket read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(raw)
	}
}

// writeLoop drains send and keeps the connection alive with pings.
func (s *socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case body := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				s.logger.Debug("socket write failed", "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}
