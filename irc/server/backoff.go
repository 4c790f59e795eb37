package server

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoff grows the wait between reconnect attempts exponentially with
// ±25% jitter, capped at max.
type backoff struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	attempt    int
}

func newBackoff(initial time.Duration, multiplier float64, max time.Duration) *backoff {
	return &backoff{initial: initial, multiplier: multiplier, max: max}
}

// Next returns the next wait duration
func (b *backoff) Next() (time.Duration, bool) {
	d := time.Duration(float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt)))
	if b.max > 0 && (d > b.max || d <= 0) {
		d = b.max
	}
	spread := float64(d) * 0.25
	d = time.Duration(float64(d) + (rand.Float64()-0.5)*2*spread)
	if d < 0 {
		d = 0
	}
	b.attempt++
	return d, true
}

// Reset starts over from the initial wait.
func (b *backoff) Reset() {
	b.attempt = 0
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
