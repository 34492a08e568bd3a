// Package ratelimit provides per-key token-bucket rate limiting for the
// server's UDP downstream, built on golang.org/x/time/rate.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// PerKeyLimiter rate-limits events keyed by an arbitrary string, allowing a
// burst and a steady refill rate per key. It is non-blocking: Allow reports
// whether the event may proceed immediately, never waits. The server's UDP
// downstream read loop keys it by tunnel id, so one noisy backend cannot
// starve the shared WebSocket write path. The admission gate does not use
// it; upgrade attempts are limited by the server package's own
// acceptRateLimiter.
type PerKeyLimiter struct {
	mu      sync.Mutex
	entries map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

// New creates a PerKeyLimiter allowing ratePerSec events/sec per key, with
// the given burst. A non-positive ratePerSec disables limiting (Allow always
// returns true).
func New(ratePerSec float64, burst int) *PerKeyLimiter {
	return &PerKeyLimiter{
		entries: make(map[string]*rate.Limiter),
		r:       rate.Limit(ratePerSec),
		burst:   burst,
	}
}

// Allow reports whether an event for key may proceed now, consuming a token
// if so. A disabled limiter (rate <= 0) always allows.
func (p *PerKeyLimiter) Allow(key string) bool {
	if p.r <= 0 {
		return true
	}

	p.mu.Lock()
	lim, ok := p.entries[key]
	if !ok {
		lim = rate.NewLimiter(p.r, p.burst)
		p.entries[key] = lim
	}
	p.mu.Unlock()

	return lim.Allow()
}

// Forget drops the limiter state for key, e.g. once a sender has been idle
// long enough that it would otherwise be starting from a stale bucket.
func (p *PerKeyLimiter) Forget(key string) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

// Reset clears all per-key state, bounding unbounded map growth over the
// lifetime of a long-running process.
func (p *PerKeyLimiter) Reset() {
	p.mu.Lock()
	p.entries = make(map[string]*rate.Limiter)
	p.mu.Unlock()
}
