package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// acceptIdleTimeout is how long a per-IP bucket may sit unused before the
// sweep in runCleanupLoop evicts it.
const acceptIdleTimeout = 10 * time.Minute

// acceptBucket pairs a per-IP token bucket with the last time it was
// consulted, so the sweep can evict entries for addresses that have gone
// quiet instead of wiping every bucket on a timer regardless of how active
// it still is.
type acceptBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// acceptRateLimiter bounds how fast the admission gate (C7) upgrades
// WebSocket connections, both globally and per source IP, before the
// account/route handshake has had a chance to authenticate the caller. Once
// a connection is admitted its IP is trusted and bypasses the per-IP
// bucket, since a single account legitimately opens several tunnels over
// separate connections in quick succession (reconnects, multiple routes)
// and none of those should be throttled by this pre-auth gate.
type acceptRateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*acceptBucket
	rate    rate.Limit
	burst   int

	trusted sync.Map // ip string -> *int32 refcount

	stop     chan struct{}
	stopOnce sync.Once
}

// newAcceptRateLimiter builds a limiter allowing globalRate upgrade attempts
// per second overall and perIPRate per second per source address (falling
// back to the documented defaults when either is non-positive).
func newAcceptRateLimiter(globalRate, perIPRate int) *acceptRateLimiter {
	if globalRate <= 0 {
		globalRate = 50
	}
	if perIPRate <= 0 {
		perIPRate = 5
	}
	return &acceptRateLimiter{
		global:  rate.NewLimiter(rate.Limit(globalRate), globalRate),
		buckets: make(map[string]*acceptBucket),
		rate:    rate.Limit(perIPRate),
		burst:   perIPRate,
		stop:    make(chan struct{}),
	}
}

// Allow reports whether an upgrade attempt from ip should proceed.
func (a *acceptRateLimiter) Allow(ip string) bool {
	if !a.global.Allow() {
		return false
	}
	if a.isTrusted(ip) {
		return true
	}
	return a.bucketFor(ip).Allow()
}

func (a *acceptRateLimiter) bucketFor(ip string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[ip]
	if !ok {
		b = &acceptBucket{limiter: rate.NewLimiter(a.rate, a.burst)}
		a.buckets[ip] = b
	}
	b.lastSeen.Store(time.Now().UnixNano())
	return b.limiter
}

// Trust exempts ip from the per-IP bucket for as long as it has at least one
// admitted connection outstanding (reference-counted, since one client may
// hold several).
func (a *acceptRateLimiter) Trust(ip string) {
	val, _ := a.trusted.LoadOrStore(ip, new(int32))
	atomic.AddInt32(val.(*int32), 1)
}

// Untrust drops one reference to ip's trust; once it reaches zero the
// address is subject to the per-IP bucket again.
func (a *acceptRateLimiter) Untrust(ip string) {
	val, ok := a.trusted.Load(ip)
	if !ok {
		return
	}
	if atomic.AddInt32(val.(*int32), -1) <= 0 {
		a.trusted.Delete(ip)
	}
}

func (a *acceptRateLimiter) isTrusted(ip string) bool {
	val, ok := a.trusted.Load(ip)
	if !ok {
		return false
	}
	return atomic.LoadInt32(val.(*int32)) > 0
}

// runCleanupLoop evicts per-IP buckets idle for longer than acceptIdleTimeout
// until stop fires. It is started once by NewGate and stopped by Gate.Close.
func (a *acceptRateLimiter) runCleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(acceptIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *acceptRateLimiter) sweep() {
	cutoff := time.Now().Add(-acceptIdleTimeout).UnixNano()
	a.mu.Lock()
	defer a.mu.Unlock()
	for ip, b := range a.buckets {
		if b.lastSeen.Load() < cutoff {
			delete(a.buckets, ip)
		}
	}
}

// Close stops the background sweep goroutine.
func (a *acceptRateLimiter) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
}
