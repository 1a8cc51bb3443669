package middleware

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/planware/syncd/server/observability"
)

// IPRateLimiter enforces the HTTP boundary limits: a token bucket per
// client IP. Separate instances cover the general API (100 req/15min) and
// the auth endpoints (5 req/15min).
type IPRateLimiter struct {
	scope  string
	limit  rate.Limit
	burst  int
	window time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows `requests` per `window` per IP.
func NewIPRateLimiter(scope string, requests int, window time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		scope:    scope,
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
		window:   window,
		visitors: make(map[string]*visitor),
	}
	go l.janitor()
	return l
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			observability.APIRateLimited.WithLabelValues(l.scope).Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.window.Seconds())))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// janitor drops visitors idle for longer than the window so the map stays
// bounded by active clients.
func (l *IPRateLimiter) janitor() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-l.window)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from X-Forwarded-For.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
