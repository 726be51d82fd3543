package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
)

// clientIdleTTL is how long an unused client bucket is kept.
const clientIdleTTL = 10 * time.Minute

// ClientLimiter keeps a token bucket per client.
type ClientLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows perSecond messages per client with the given burst.
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientBucket),
	}
}

// Allow reports whether key may send now, and the whole tokens it has left.
func (l *ClientLimiter) Allow(key string) (bool, int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > clientIdleTTL {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > clientIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	return allowed, max(int(b.limiter.TokensAt(now)), 0)
}

// ConnLimiter returns a fresh bucket for a single connection.
func (l *ClientLimiter) ConnLimiter() *rate.Limiter {
	return rate.NewLimiter(l.limit, l.burst)
}

// Burst is the bucket size.
func (l *ClientLimiter) Burst() int {
	return l.burst
}

// RateLimitMiddleware rejects clients over their budget with 429 and writes
// x-ratelimit-* headers on every response.
func RateLimitMiddleware(l *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining := l.Allow(clientKey(r))

			h := w.Header()
			h.Set("x-ratelimit-limit-requests", strconv.Itoa(l.burst))
			h.Set("x-ratelimit-remaining-requests", strconv.Itoa(remaining))
			if !allowed {
				h.Set("Retry-After", "1")
				writeError(w, r, domain.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller by remote host.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
