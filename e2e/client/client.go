package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
}

// Position mirrors the positions API representation.
type Position struct {
	ProviderID string  `json:"providerId"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	CellToken  string  `json:"cellToken"`
	ObservedAt int64   `json:"observedAt"`
	DistanceKm float64 `json:"distanceKm,omitempty"`
}

// Frame is one message pushed over the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Reply is the body of socket replies.
type Reply struct {
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ErrorResponse represents an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UniqueID generates a unique ID for test isolation.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// RecordPosition posts a provider position.
func RecordPosition(ctx context.Context, cfg *Config, pos Position) error {
	body, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/api/v1/positions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	status, respBody, err := do(httpReq)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return unexpected(status, respBody)
	}
	return nil
}

// GetPosition returns a provider's live position, or nil when unknown.
func GetPosition(ctx context.Context, cfg *Config, providerID string) (*Position, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/api/v1/positions/"+providerID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	status, respBody, err := do(httpReq)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil // Not found is not an error
	}
	if status != http.StatusOK {
		return nil, unexpected(status, respBody)
	}

	var pos Position
	if err := json.Unmarshal(respBody, &pos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &pos, nil
}

// Nearby lists live providers around a point, nearest first.
func Nearby(ctx context.Context, cfg *Config, lat, lon, radiusKm float64, limit int) ([]Position, error) {
	url := fmt.Sprintf("%s/api/v1/positions/nearby?lat=%f&lon=%f&radius=%f&limit=%d", cfg.BaseURL, lat, lon, radiusKm, limit)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	status, respBody, err := do(httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, unexpected(status, respBody)
	}

	var list []Position
	if err := json.Unmarshal(respBody, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return list, nil
}

// CheckHealth checks the health endpoint.
func CheckHealth(ctx context.Context, cfg *Config) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	status, respBody, err := do(httpReq)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("health check failed with status %d: %s", status, respBody)
	}
	return nil
}

// DialSocket connects to the realtime namespace as userID.
func DialSocket(ctx context.Context, cfg *Config, userID, userType string) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(cfg.BaseURL, "http") + "/api/v1/socket"
	header := http.Header{}
	header.Set("X-User-ID", userID)
	header.Set("X-User-Type", userType)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial socket: %w", err)
	}
	return conn, nil
}

// SendDirective writes one directive to the socket.
func SendDirective(conn *websocket.Conn, event string, data any) error {
	return conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// WaitForEvent reads frames until one named event arrives or timeout.
// An appError frame ends the wait with its message.
func WaitForEvent(conn *websocket.Conn, event string, timeout time.Duration) (*Reply, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("timeout waiting for %s: %w", event, err)
		}

		var f Frame
		if err := json.Unmarshal(body, &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
		}

		var reply Reply
		if err := json.Unmarshal(f.Data, &reply); err != nil {
			reply = Reply{Data: f.Data}
		}
		if f.Event == "appError" && event != "appError" {
			return nil, fmt.Errorf("server rejected directive: %s", reply.Message)
		}
		if f.Event == event {
			return &reply, nil
		}
	}
}

// WaitForPosition polls until the provider's position is live or timeout.
func WaitForPosition(ctx context.Context, cfg *Config, providerID string, timeout time.Duration) (*Position, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pos, err := GetPosition(ctx, cfg, providerID)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			return pos, nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for position of %s", providerID)
}

func do(req *http.Request) (int, []byte, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func unexpected(status int, body []byte) error {
	var errResp ErrorResponse
	_ = json.Unmarshal(body, &errResp)
	return fmt.Errorf("unexpected status %d: %s", status, errResp.Error)
}
