package http

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxBuckets caps the number of tracked clients.
const maxBuckets = 100000

// Limiter is token bucket rate limiting keyed by client address and
// project. It guards the mutating routes; reads and event streams are
// never limited.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// NewLimiter returns a limiter with the given sustained rate and burst, or
// nil when rate is not positive. A nil *Limiter lets every request through.
func NewLimiter(rate float64, burst int) *Limiter {
	if rate <= 0 {
		return nil
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   max(burst, 1),
		now:     time.Now,
	}
}

// Handler returns middleware enforcing the limit. Rejected requests get 429
// with a Retry-After header in whole seconds.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, ok := l.take(limitKey(r))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take consumes one token for key.
func (l *Limiter) take(key string) (remaining int, wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[key]
	if !exists {
		if len(l.buckets) >= maxBuckets {
			return 0, l.perToken(1), false
		}
		b = &bucket{tokens: float64(l.burst), updatedAt: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(float64(l.burst), b.tokens+now.Sub(b.updatedAt).Seconds()*l.rate)
	b.updatedAt = now

	if b.tokens < 1 {
		return 0, l.perToken(1 - b.tokens), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

func (l *Limiter) perToken(tokens float64) time.Duration {
	return time.Duration(tokens / l.rate * float64(time.Second))
}

// Sweep drops buckets idle for longer than maxIdle every interval until ctx
// ends.
func (l *Limiter) Sweep(ctx context.Context, interval, maxIdle time.Duration) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(maxIdle)
		}
	}
}

func (l *Limiter) sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	for key, b := range l.buckets {
		if b.updatedAt.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// limitKey combines the client host from RemoteAddr with the project path
// parameter. Forwarding headers are not consulted here.
func limitKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host + "|" + chi.URLParam(r, "project")
}
