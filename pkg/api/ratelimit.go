package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"golang.org/x/time/rate"
)

const (
	clientPruneInterval = 5 * time.Minute
	clientIdleTTL       = 10 * time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimits holds one token bucket per client IP. A client may burst
// up to its per-minute allowance.
type clientLimits struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newClientLimits(cfg config.RateLimitConfig) *clientLimits {
	return &clientLimits{
		buckets: make(map[string]*clientBucket, 64),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.RequestsPerMinute,
		now:     time.Now,
	}
}

func (c *clientLimits) allow(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	b, ok := c.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[ip] = b
	}

	b.lastSeen = now

	return b.limiter.AllowN(now, 1)
}

// prune forgets clients idle for longer than clientIdleTTL and returns
// how many were dropped.
func (c *clientLimits) prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-clientIdleTTL)
	dropped := 0

	for ip, b := range c.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(c.buckets, ip)
			dropped++
		}
	}

	return dropped
}

func (c *clientLimits) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buckets)
}

// pruneLoop runs until done is closed.
func (c *clientLimits) pruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(clientPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-done:
			return
		}
	}
}

func (c *clientLimits) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.allow(extractIP(r)) {
			writeJSON(w, http.StatusTooManyRequests,
				errorResponse{"rate limit exceeded"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Take the first hop of X-Forwarded-For when behind a reverse proxy.
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
