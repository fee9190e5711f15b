package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20 // 1 MB
	maxIdempotencyKeyLen = 128

	// reserveTTL bounds how long a key stays claimed by a request that
	// never finished, e.g. because its process died.
	reserveTTL = time.Minute
)

// ResponseStore keeps replayable responses shared by every API process.
// SetIfAbsent must be atomic across processes: of two concurrent calls for
// one key exactly one reports true.
type ResponseStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

type idempotencyEntry struct {
	Pending    bool                `json:"pending,omitempty"`
	StatusCode int                 `json:"status_code,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
}

var pendingEntry = []byte(`{"pending":true}`)

// Idempotency returns middleware that replays the stored response for a
// repeated Idempotency-Key on mutating requests. The key is claimed before
// the handler runs; a duplicate arriving while the first is in flight gets
// 409. Only 2xx responses are stored, so a request rejected with 429 can be
// retried with the same key.
func Idempotency(store ResponseStore, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				http.Error(w, `{"error":"idempotency key too long"}`, http.StatusBadRequest)
				return
			}
			storeKey := "idem:" + r.Method + ":" + r.URL.Path + ":" + key

			ctx := r.Context()
			claimed, err := store.SetIfAbsent(ctx, storeKey, pendingEntry, reserveTTL)
			if err != nil {
				slog.WarnContext(ctx, "idempotency: reserve", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !claimed {
				replay(w, r, store, storeKey)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The claim outlives a cancelled request.
			ctx = context.WithoutCancel(ctx)
			if rec.statusCode < 200 || rec.statusCode >= 300 || rec.body.Len() > maxIdempotencyBody {
				if err := store.Delete(ctx, storeKey); err != nil {
					slog.WarnContext(ctx, "idempotency: release", "error", err)
				}
				return
			}
			data, err := json.Marshal(idempotencyEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			})
			if err == nil {
				err = store.Set(ctx, storeKey, data, ttl)
			}
			if err != nil {
				slog.WarnContext(ctx, "idempotency: store response", "error", err)
				_ = store.Delete(ctx, storeKey)
			}
		})
	}
}

// replay writes the stored response for key, or 409 while the request that
// claimed it is still running.
func replay(w http.ResponseWriter, r *http.Request, store ResponseStore, key string) {
	data, ok, err := store.Get(r.Context(), key)
	if err != nil {
		slog.WarnContext(r.Context(), "idempotency: lookup", "error", err)
		http.Error(w, `{"error":"idempotency store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	var cached idempotencyEntry
	if ok {
		if err := json.Unmarshal(data, &cached); err != nil {
			slog.WarnContext(r.Context(), "idempotency: corrupt entry", "key", key)
			ok = false
		}
	}
	// A released claim reads as missing; the client retries like any 409.
	if !ok || cached.Pending {
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"error":"request with this idempotency key is in progress"}`, http.StatusConflict)
		return
	}
	for k, vals := range cached.Headers {
		if k == headerRequestID {
			continue
		}
		w.Header()[k] = vals
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.body.Len() <= maxIdempotencyBody {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}
