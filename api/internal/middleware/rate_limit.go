package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/httpx"
)

// RateLimitMiddleware throttles the requests Match selects, per caller.
// Authenticated callers are keyed by user id, anonymous ones by client IP.
type RateLimitMiddleware struct {
	Limiter *Limiter
	Match   func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || (m.Match != nil && !m.Match(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Limiter.Allow(callerKey(r)) {
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "too many booking attempts, please slow down", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BookingWrites matches the endpoints that run the allocator under a lock.
func BookingWrites(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPatch {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/v1/bookings") || strings.HasPrefix(r.URL.Path, "/api/v1/contracts")
}

// Limiter is a token bucket per key. Idle keys are forgotten after ttl.
type Limiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	ttl     time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func NewLimiter(rps float64, burst int, ttl time.Duration) *Limiter {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 5
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Limiter{
		rps:     rps,
		burst:   float64(burst),
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, lastSeen: now}
		return true
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rps)
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func callerKey(r *http.Request) string {
	if p, ok := authx.FromContext(r.Context()); ok {
		return "user:" + p.UserID.String()
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		first, _, _ := strings.Cut(v, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return "ip:" + host
	}
	return "ip:" + strings.TrimSpace(r.RemoteAddr)
}
