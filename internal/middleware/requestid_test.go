package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/logger"
)

func serveRequestID(t *testing.T, incoming string) (ctxID, respID string) {
	t.Helper()
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = logger.RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if incoming != "" {
		req.Header.Set(headerRequestID, incoming)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get(headerRequestID)
}

func TestRequestIDGenerated(t *testing.T) {
	ctxID, respID := serveRequestID(t, "")
	assert.NotEmpty(t, ctxID)
	assert.Equal(t, ctxID, respID)
}

func TestRequestIDPropagated(t *testing.T) {
	ctxID, respID := serveRequestID(t, "req-abc-123")
	assert.Equal(t, "req-abc-123", ctxID)
	assert.Equal(t, "req-abc-123", respID)
}

func TestRequestIDRejectsUnsafeValues(t *testing.T) {
	for _, bad := range []string{"has space", "line\nbreak", strings.Repeat("x", 65)} {
		ctxID, _ := serveRequestID(t, bad)
		assert.NotEqual(t, bad, ctxID)
		assert.NotEmpty(t, ctxID)
	}
}
