package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

// clientLimiters tracks one token bucket per client address. Idle entries
// are swept so the map does not grow with every address ever seen.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rps     rate.Limit
	burst   int
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(requestsPerMinute int) *clientLimiters {
	cl := &clientLimiters{
		clients: make(map[string]*clientEntry, 64),
		rps:     rate.Limit(float64(requestsPerMinute) / 60.0),
		// A client may spend its whole per-minute allowance at once.
		burst: requestsPerMinute,
	}

	go cl.sweep()

	return cl
}

func (cl *clientLimiters) limiterFor(addr string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	entry, ok := cl.clients[addr]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[addr] = entry
	}

	entry.lastSeen = time.Now()

	return entry.limiter
}

func (cl *clientLimiters) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		cl.mu.Lock()

		for addr, entry := range cl.clients {
			if time.Since(entry.lastSeen) > limiterIdleTTL {
				delete(cl.clients, addr)
			}
		}

		cl.mu.Unlock()
	}
}

// rateLimitMiddleware enforces a per-client request rate on the routes it
// wraps.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	limiters := newClientLimiters(requestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.limiterFor(extractIP(r)).Allow() {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client address, honoring the first hop in
// X-Forwarded-For when a reverse proxy sits in front of the API.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
