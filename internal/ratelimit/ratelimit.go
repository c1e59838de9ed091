package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter provides per-client rate limiting for the HTTP transport.
type Limiter struct {
	entries map[string]*entry
	mu      sync.RWMutex
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// New creates a limiter allowing requestsPerSecond with the given burst
// per key.
func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *Limiter) get(key string) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
	l.entries[key] = e
	return e
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	e := l.get(key)
	l.mu.Lock()
	e.lastSeen = l.now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// Cleanup drops limiters idle for longer than maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the per-client budget with 429.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientKey(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
