package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter implements a simple per-IP fixed-window rate limiter.
type rateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	rate        int           // max requests per window
	window      time.Duration // window duration
	lastCleanup time.Time
	now         func() time.Time
}

// visitor tracks request counts within the current window for a single IP.
type visitor struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		visitors:    make(map[string]*visitor),
		rate:        rate,
		window:      window,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// allow returns true if the IP has not exceeded its rate limit. Expired
// entries are swept at most once per window.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > rl.window {
		rl.cleanup(now)
	}
	v, exists := rl.visitors[ip]
	if !exists || now.Sub(v.windowStart) > rl.window {
		rl.visitors[ip] = &visitor{count: 1, windowStart: now}
		return true
	}
	v.count++
	return v.count <= rl.rate
}

// cleanup removes visitor entries whose window has expired. Callers hold mu.
func (rl *rateLimiter) cleanup(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.windowStart) > rl.window {
			delete(rl.visitors, ip)
		}
	}
	rl.lastCleanup = now
}

// getIP extracts the client IP from a request, respecting X-Forwarded-For
// for proxied deployments.
func getIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
