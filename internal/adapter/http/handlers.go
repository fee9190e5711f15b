package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/ws"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/deadletter"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/objectstore"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/service"
)

const (
	maxBodySize        = 64 << 10
	defaultDeadLetters = 50
	maxDeadLetters     = 500
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Handlers holds the services behind the API routes.
type Handlers struct {
	Submissions *service.SubmissionService
	Tasks       *service.TaskService
	Dispatcher  *service.Dispatcher
	Notifier    *service.StatusNotifier
	WS          *ws.Hub
	// Objects serves completed tasks' artifacts; nil disables the route.
	Objects objectstore.Store
	Checks  map[string]HealthCheck
	// RetryAfter is advertised on 429 responses caused by a full queue.
	RetryAfter time.Duration
}

type submitRequest struct {
	Type   task.Type    `json:"type"`
	Params stage.Params `json:"params"`
}

type submitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// SubmitTask handles POST /task.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	t, err := h.Submissions.Submit(r.Context(), req.Type, req.Params)
	if err != nil {
		writeDomainError(w, r, err, h.RetryAfter)
		return
	}
	w.Header().Set("Location", "/task/"+t.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: t.ID, Status: t.Status})
}

// GetTask handles GET /task/{id}. ?include=children joins child snapshots.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	withChildren := includes(r, "children")
	snap, err := h.Tasks.Snapshot(r.Context(), urlParam(r, "id"), withChildren)
	if err != nil {
		writeDomainError(w, r, err, h.RetryAfter)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelTask handles DELETE /task/{id}. Pending tasks are cancelled at
// once; running ones are flagged and answer 202.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Submissions.Cancel(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, h.RetryAfter)
		return
	}
	status := http.StatusAccepted
	if t.Status.IsTerminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, t.Snapshot())
}

// GetArtifact handles GET /task/{id}/artifacts/{name}. It streams the
// object a completed task recorded under output_refs[name].
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Tasks.Snapshot(r.Context(), urlParam(r, "id"), false)
	if err != nil {
		writeDomainError(w, r, err, h.RetryAfter)
		return
	}
	if snap.Status != task.StatusCompleted {
		writeError(w, http.StatusConflict, "task is not completed")
		return
	}
	ref, ok := snap.OutputRefs[urlParam(r, "name")]
	if !ok {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	body, err := h.Objects.Get(r.Context(), ref)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(path.Ext(ref))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(ref)+`"`)
	if _, err := io.Copy(w, body); err != nil {
		slog.WarnContext(r.Context(), "artifact stream interrupted", "ref", ref, "error", err)
	}
}

// WatchTaskWS handles GET /task/{id}/ws.
func (h *Handlers) WatchTaskWS(w http.ResponseWriter, r *http.Request) {
	if err := h.WS.ServeTask(w, r, urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err, h.RetryAfter)
	}
}

// ListDeadLetters handles GET /deadletters?limit=N.
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	list, err := h.Dispatcher.ListDeadLetters(r.Context(), queryInt(r, "limit", defaultDeadLetters, maxDeadLetters))
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if list == nil {
		list = []deadletter.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetDeadLetter handles GET /deadletters/{id}.
func (h *Handlers) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	d, err := h.Dispatcher.GetDeadLetter(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, h.RetryAfter)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health handles GET /health. Any failing check answers 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func includes(r *http.Request, what string) bool {
	for _, v := range r.URL.Query()["include"] {
		for part := range strings.SplitSeq(v, ",") {
			if strings.TrimSpace(part) == what {
				return true
			}
		}
	}
	return false
}
