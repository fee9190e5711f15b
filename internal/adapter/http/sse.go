package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// StreamTask handles GET /task/{id}/stream as Server-Sent Events. Each
// event carries one snapshot; the stream ends after the terminal one.
// Comment lines keep idle connections open through proxies.
func (h *Handlers) StreamTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := urlParam(r, "id")
	snaps, err := h.Notifier.Watch(ctx, id)
	if err != nil {
		writeDomainError(w, r, err, h.RetryAfter)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.WarnContext(ctx, "sse: flush unsupported", "error", err)
		return
	}

	keepAlive := h.Notifier.KeepAlive()
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.ErrorContext(ctx, "sse: encode snapshot", "task_id", id, "error", err)
				return
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
