package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
)

// defaultMaxClients caps how many client buckets are tracked at once.
const defaultMaxClients = 100_000

// RateLimiter is per-client-IP token bucket middleware. It guards task
// submission; reads and streams are not limited.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64
	burst      int
	maxClients int
	now        func() time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per second per
// client with bursts of up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rate,
		burst:      max(burst, 1),
		maxClients: defaultMaxClients,
		now:        time.Now,
	}
}

// NewRateLimiterFromConfig creates a limiter from the rate config section.
func NewRateLimiterFromConfig(cfg config.Rate) *RateLimiter {
	return NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)
}

// Handler returns middleware enforcing the limit. Rejected requests get 429
// with Retry-After in whole seconds.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, ok := rl.take(clientIP(r))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take consumes one token for client. It returns the tokens left, how long
// until the next token when refused, and whether the request may proceed.
func (rl *RateLimiter) take(client string) (int, time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[client]
	if !ok {
		if len(rl.buckets) >= rl.maxClients {
			return 0, rl.interval(), false
		}
		b = &bucket{tokens: float64(rl.burst), lastSeen: now}
		rl.buckets[client] = b
	}

	b.tokens = math.Min(float64(rl.burst), b.tokens+now.Sub(b.lastSeen).Seconds()*rl.rate)
	b.lastSeen = now
	if b.tokens < 1 {
		return 0, time.Duration((1 - b.tokens) / rl.rate * float64(time.Second)), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

func (rl *RateLimiter) interval() time.Duration {
	if rl.rate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / rl.rate)
}

// RunCleanup evicts buckets idle for longer than maxIdle every interval
// until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle(maxIdle)
		}
	}
}

func (rl *RateLimiter) evictIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// clientIP uses RemoteAddr only; forwarding headers are spoofable.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
