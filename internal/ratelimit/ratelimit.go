// Package ratelimit implements a per-client token bucket rate limiter for
// the API server. Thread-safe. No background goroutines — tokens are
// refilled lazily on each Allow call, and idle buckets are pruned in place.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Buckets untouched for this long are dropped on the next Allow call.
const staleAfter = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	Burst             int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter. Clients are keyed by
// whatever the caller passes — remote address for anonymous requests, token
// fingerprint for authenticated ones. Each client gets an independent
// bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	clients   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // max bucket capacity
	lastPrune time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients:   make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		lastPrune: time.Now(),
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneStale(now)

	b, ok := l.clients[clientID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[clientID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// pruneStale drops buckets idle long enough to be full again anyway.
// Must be called with l.mu held. Runs at most once per minute.
func (l *Limiter) pruneStale(now time.Time) {
	if now.Sub(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = now
	for id, b := range l.clients {
		if now.Sub(b.lastFill) > staleAfter {
			delete(l.clients, id)
		}
	}
}
