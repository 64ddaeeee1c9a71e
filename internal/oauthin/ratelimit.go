package oauthin

import (
	"net/http"
	"sync"
	"time"
)

// bucket is a simple per-key token bucket. The pack carries no rate-limit
// library (verified against the teacher and sibling repos), so this is
// hand-rolled: DESIGN.md records the justification.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter rate-limits by remote address.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     float64 // tokens per second
	burst    float64
}

func NewLimiter(ratePerSecond, burst float64) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), rate: ratePerSecond, burst: burst}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rate-limits every request by RemoteAddr.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
