package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter rate-limits requests per client IP. It guards the endpoints whose
// handler cost is dominated by the KDF (backup-code verification) and the
// ones worth throttling against online guessing (login, magic-link).
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*ipEntry

	r     rate.Limit
	burst int
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPLimiter allows r events per second with the given burst.
func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		clients: make(map[string]*ipEntry),
		r:       r,
		burst:   burst,
	}
}

// allow reports whether the ip may proceed, evicting entries idle for more
// than an hour as a side effect.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.clients[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.clients[ip] = e
	}
	e.lastSeen = now

	if len(l.clients) > 1024 {
		for k, v := range l.clients {
			if now.Sub(v.lastSeen) > time.Hour {
				delete(l.clients, k)
			}
		}
	}

	return e.limiter.Allow()
}

// Throttle is the middleware form of the limiter.
func (l *ipLimiter) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			errJSON(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
