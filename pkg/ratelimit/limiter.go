// Package ratelimit provides fixed-window request limiting for the gateway.
// Validation traffic is limited per loader key, build endpoints per client
// address.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"enigmacode/pkg/httpx"
)

type Verdict struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Verdict
}

type MemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemory(win time.Duration) *MemoryLimiter {
	if win <= 0 {
		win = time.Minute
	}
	return &MemoryLimiter{
		window: win,
		counts: make(map[string]window),
	}
}

func (l *MemoryLimiter) Allow(key string, limit int) Verdict {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.counts {
		if now.After(w.resetAt) {
			delete(l.counts, k)
		}
	}
	curr, ok := l.counts[key]
	if !ok || now.After(curr.resetAt) {
		curr = window{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.counts[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// KeyFunc derives the rate limit bucket for a request. Empty string skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// ByClientAddr buckets by remote IP, preferring X-Forwarded-For when set.
func ByClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects over-limit requests with 429 and rate limit headers.
func Middleware(l Limiter, limit int, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			v := l.Allow(key, limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(v.Remaining))
			if !v.Allowed {
				retry := int(time.Until(v.ResetAt).Seconds())
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
