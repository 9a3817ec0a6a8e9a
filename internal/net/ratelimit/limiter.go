package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client key
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
	idleTTL  time.Duration
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewLimiter creates a limiter with the given per-client RPS and burst.
// A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rps:      rps,
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Enabled reports whether requests are throttled at all
func (l *Limiter) Enabled() bool {
	return l != nil && l.rps > 0
}

func (l *Limiter) getLimiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen[client] = l.now()
	limiter, exists := l.limiters[client]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[client] = limiter
	}
	return limiter
}

// Allow reports whether client may make a request now
func (l *Limiter) Allow(client string) bool {
	if !l.Enabled() {
		return true
	}
	return l.getLimiter(client).Allow()
}

// Wait blocks until client may proceed or ctx is done
func (l *Limiter) Wait(ctx context.Context, client string) error {
	if !l.Enabled() {
		return nil
	}
	return l.getLimiter(client).Wait(ctx)
}

// RetryAfter estimates how long client must wait for the next token
func (l *Limiter) RetryAfter(client string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	r := l.getLimiter(client).Reserve()
	defer r.Cancel()
	return r.Delay()
}

// Prune drops buckets of clients idle longer than the idle TTL and returns
// how many were removed
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for client, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.lastSeen, client)
			delete(l.limiters, client)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Stats returns statistics for all client limiters
func (l *Limiter) Stats() map[string]LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]LimiterStats, len(l.limiters))
	for client, limiter := range l.limiters {
		stats[client] = LimiterStats{
			Client:          client,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
			LastSeen:        l.lastSeen[client],
		}
	}
	return stats
}

// LimiterStats represents statistics for a single client limiter
type LimiterStats struct {
	Client          string    `json:"client"`
	RPS             float64   `json:"rps"`
	Burst           int       `json:"burst"`
	TokensAvailable float64   `json:"tokens_available"`
	LastSeen        time.Time `json:"last_seen"`
}

// IsThrottled returns true if the client has no whole token left
func (s *LimiterStats) IsThrottled() bool {
	return s.TokensAvailable < 1
}
