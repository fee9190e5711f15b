// Package middleware provides the HTTP middleware shared by the API routes.
package middleware

import (
	"net/http"
	"unicode"

	"github.com/lithammer/shortuuid/v4"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	maxRequestIDLen = 64
)

// RequestID is HTTP middleware that takes X-Request-ID from the request or
// generates a new one. The ID is stored in the context, where the logger
// picks it up, and echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = shortuuid.New()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID rejects empty, oversized or non-printable client IDs so
// they cannot pollute log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || r == ' ' {
			return false
		}
	}
	return true
}
