package http

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hijackableRecorder struct {
	*httptest.ResponseRecorder
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, nil
}

func TestResponseWriterHijack(t *testing.T) {
	rw := &responseWriter{ResponseWriter: &hijackableRecorder{httptest.NewRecorder()}, status: http.StatusOK}
	_, _, err := rw.Hijack()
	assert.NoError(t, err)

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err = plain.Hijack()
	assert.Error(t, err, "upstream without Hijacker")
}

func TestResponseWriterFlushAndUnwrap(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	require.NoError(t, http.NewResponseController(rw).Flush())
	assert.True(t, inner.Flushed)
	assert.Same(t, inner, rw.Unwrap())
}

func TestLoggerCapturesStatusAndSize(t *testing.T) {
	var rw *responseWriter
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rw = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task/x", http.NoBody))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, http.StatusTeapot, rw.status)
	assert.Equal(t, int64(len("short and stout")), rw.written)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS("http://app.local")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/task", http.NoBody))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://app.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
	assert.False(t, called)
}

func TestCORSDisabled(t *testing.T) {
	h := CORS("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/task", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
