package api

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-client token bucket refilled at perMinute tokens a
// minute. It guards the endpoints that write to the results store or start
// server-side runs; the measurement endpoints are never limited.
type RateLimiter struct {
	perMinute       int
	clients         map[string]*bucket
	mu              sync.Mutex
	lastCleanup     time.Time
	cleanupInterval time.Duration
	bucketTTL       time.Duration
	resolver        *ClientIPResolver
	now             func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewRateLimiter(perMinute int, resolver *ClientIPResolver) *RateLimiter {
	if resolver == nil {
		resolver = &ClientIPResolver{}
	}
	return &RateLimiter{
		perMinute:       perMinute,
		clients:         make(map[string]*bucket),
		lastCleanup:     time.Now(),
		cleanupInterval: 5 * time.Minute,
		bucketTTL:       10 * time.Minute,
		resolver:        resolver,
		now:             time.Now,
	}
}

// SetCleanupPolicy overrides cleanup interval and TTL (mainly for tests).
func (rl *RateLimiter) SetCleanupPolicy(cleanupInterval, bucketTTL time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupInterval = cleanupInterval
	rl.bucketTTL = bucketTTL
	rl.lastCleanup = rl.now()
}

func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return rl.resolver.FromRequest(r)
}

// Allow takes one token from ip's bucket.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.cleanupInterval > 0 && now.Sub(rl.lastCleanup) >= rl.cleanupInterval {
		for key, b := range rl.clients {
			if now.Sub(b.lastRefill) >= rl.bucketTTL {
				delete(rl.clients, key)
			}
		}
		rl.lastCleanup = now
	}

	b, ok := rl.clients[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.perMinute), lastRefill: now}
		rl.clients[ip] = b
	}
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Minutes() * float64(rl.perMinute)
		if b.tokens > float64(rl.perMinute) {
			b.tokens = float64(rl.perMinute)
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Wrap rejects requests over the limit with 429.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.ClientIP(r)) {
			drainRequestBody(r)
			w.Header().Set("Retry-After", "60")
			respondJSON(w, map[string]string{"error": "rate limit exceeded"}, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
