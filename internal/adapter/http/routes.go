package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Middleware is a standard HTTP middleware.
type Middleware = func(http.Handler) http.Handler

// MountRoutes registers the API on r. submit wraps POST /task only (rate
// limiting and idempotency). Streaming routes are exempt from timeout.
func MountRoutes(r chi.Router, h *Handlers, timeout time.Duration, submit ...Middleware) {
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		if timeout > 0 {
			r.Use(chimw.Timeout(timeout))
		}
		r.With(submit...).Post("/task", h.SubmitTask)
		r.Get("/task/{id}", h.GetTask)
		r.Delete("/task/{id}", h.CancelTask)
		r.Get("/deadletters", h.ListDeadLetters)
		r.Get("/deadletters/{id}", h.GetDeadLetter)
	})

	if h.Objects != nil {
		r.Get("/task/{id}/artifacts/{name}", h.GetArtifact)
	}
	r.Get("/task/{id}/stream", h.StreamTask)
	if h.WS != nil {
		r.Get("/task/{id}/ws", h.WatchTaskWS)
	}
}
