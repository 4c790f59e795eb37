package access

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler limits connection attempts per IP with a token bucket.
type Throttler struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewThrottler allows burst connections at once and then perSecond per IP.
// A non-positive rate disables throttling.
func NewThrottler(perSecond float64, burst int) *Throttler {
	if burst < 1 {
		burst = 1
	}
	return &Throttler{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
	}
}

// Check consumes a token for ip at now and returns an Allow or Throttle
// decision.
func (t *Throttler) Check(ip string, now time.Time) Decision {
	if t == nil || t.limit <= 0 {
		return Decision{Verdict: Allow}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[ip] = b
	}
	b.seen = now
	if !b.limiter.AllowN(now, 1) {
		return Decision{Verdict: Throttle, Reason: "Connection throttled, try again later"}
	}
	return Decision{Verdict: Allow}
}

// Prune drops buckets idle since before now minus the idle window.
func (t *Throttler) Prune(now time.Time) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, b := range t.buckets {
		if now.Sub(b.seen) > t.idle {
			delete(t.buckets, ip)
			n++
		}
	}
	return n
}
