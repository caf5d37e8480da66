package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// How long a client may stay idle before its limiter is dropped, and how
// many new clients are admitted between prune passes.
const (
	clientIdleTTL  = 5 * time.Minute
	pruneEveryN    = 64
	retryAfterHint = "60"
)

// RateLimiter throttles dashboard API calls per client IP so a single
// misbehaving integration cannot exhaust the Profile API budget for
// everyone else.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientEntry
	inserts int
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter for the requests-per-minute budget.
// A non-positive budget disables throttling entirely.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		clients: make(map[string]*clientEntry),
	}
}

// Handler returns the gin middleware. A nil receiver passes everything
// through, so callers can wire the limiter unconditionally.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if !r.allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfterHint)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) allow(key string) bool {
	now := time.Now()

	r.mu.Lock()
	entry, ok := r.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = entry
		r.inserts++
		if r.inserts%pruneEveryN == 0 {
			r.pruneLocked(now)
		}
	}
	entry.lastSeen = now
	r.mu.Unlock()

	return entry.limiter.Allow()
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > clientIdleTTL {
			delete(r.clients, key)
		}
	}
}
