// Package ws streams task snapshots over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

// Message is the envelope for all WebSocket frames.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageSnapshot frames carry a task.Snapshot identical to GET /task/{id}.
const MessageSnapshot = "snapshot"

// Watcher yields snapshots for one task until it is terminal or ctx ends.
type Watcher interface {
	Watch(ctx context.Context, id string) (<-chan task.Snapshot, error)
}

// Hub serves per-task WebSocket streams and counts open connections.
type Hub struct {
	watcher   Watcher
	keepAlive time.Duration
	conns     atomic.Int64
}

// NewHub creates a hub. keepAlive is the ping interval; zero disables pings.
func NewHub(watcher Watcher, keepAlive time.Duration) *Hub {
	return &Hub{watcher: watcher, keepAlive: keepAlive}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	return int(h.conns.Load())
}

// ServeTask subscribes to taskID and then upgrades the connection. An error
// is returned only when the subscription fails, before anything is written,
// so the caller can render it as a normal HTTP error.
func (h *Hub) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) error {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snaps, err := h.watcher.Watch(ctx, taskID)
	if err != nil {
		return err
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return nil
	}
	h.conns.Add(1)
	defer h.conns.Add(-1)

	// CloseRead drains client frames and cancels ctx when the peer goes away.
	ctx = c.CloseRead(ctx)
	slog.Debug("websocket connected", "task_id", taskID, "remote", r.RemoteAddr)

	var ping <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.Close(websocket.StatusGoingAway, "")
			return nil
		case <-ping:
			if err := c.Ping(ctx); err != nil {
				return nil
			}
		case s, ok := <-snaps:
			if !ok {
				_ = c.Close(websocket.StatusNormalClosure, "task finished")
				return nil
			}
			if err := write(ctx, c, s); err != nil {
				slog.Debug("websocket write failed", "task_id", taskID, "error", err)
				return nil
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, s task.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{Type: MessageSnapshot, Payload: payload})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}
