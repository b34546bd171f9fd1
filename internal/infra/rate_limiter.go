package infra

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket. The oracle poller and the liquidation
// watcher use it to pace outbound requests and forced unwinds.
type RateLimiter struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
}

// NewRateLimiter returns a bucket holding up to burst tokens, refilled
// at perSecond. The bucket starts full.
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   perSecond,
		last:   time.Now(),
	}
}

// TryAcquire takes a token if one is available.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill(time.Now())
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Wait blocks until a token is available, then takes it.
func (r *RateLimiter) Wait() {
	for {
		r.mu.Lock()
		now := time.Now()
		r.refill(now)
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return
		}
		// Sleep exactly long enough for the deficit to refill.
		wait := time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
		r.mu.Unlock()
		time.Sleep(wait)
	}
}

// refill credits tokens for the time elapsed since the last call.
// Caller holds r.mu.
func (r *RateLimiter) refill(now time.Time) {
	r.tokens += now.Sub(r.last).Seconds() * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = now
}
