package security

import (
	"sync"
	"time"
)

// RateLimiter is a keyed token bucket. Buckets refill continuously; a denied
// call reports how long until one token is available. The firstDenial marker
// lets the caller emit at most one audit event per drain instead of one per
// rejected request.
type RateLimiter struct {
	mu      sync.Mutex
	rate    float64 // tokens per second
	burst   float64
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens      float64
	last        time.Time
	firstDenial bool // a denial has happened since the bucket last held a token
}

// NewRateLimiter builds a limiter allowing perMinute requests sustained with
// the given burst.
func NewRateLimiter(perMinute int, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:    float64(perMinute) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key. On denial it returns the wait until the
// next token and whether this is the first denial of the current drain.
func (r *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration, firstDenial bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b := r.buckets[key]
	if b == nil {
		b = &bucket{tokens: r.burst, last: now}
		r.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.last).Seconds() * r.rate
		if b.tokens > r.burst {
			b.tokens = r.burst
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		b.firstDenial = false
		return true, 0, false
	}

	first := !b.firstDenial
	b.firstDenial = true
	wait := time.Duration((1 - b.tokens) / r.rate * float64(time.Second))
	return false, wait, first
}

// Sweep removes buckets that have been full and idle for longer than age.
func (r *RateLimiter) Sweep(age time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-age)
	removed := 0
	for k, b := range r.buckets {
		if b.last.Before(cutoff) {
			delete(r.buckets, k)
			removed++
		}
	}
	return removed
}
