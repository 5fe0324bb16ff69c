// Package resilience provides the retry backoff formula and the
// consecutive-failure circuit breaker shared by the courtesy scheduler
// (per domain) and the LLM router (per provider).
package resilience

import (
	"math/rand"
	"time"
)

const (
	// DefaultBackoffBase is the attempt-0 delay before jitter.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffCap bounds the pre-jitter delay.
	DefaultBackoffCap = 8 * time.Second

	// maxShift keeps base<<attempt from overflowing time.Duration.
	maxShift = 32
)

// BackoffDelay computes the delay before retry number attempt (0-based):
// min(cap, base * 2^attempt) with ±25% uniform jitter.
//
// With the defaults, attempt 0 lands in [750ms, 1250ms], attempt 2 in
// [3s, 5s], and any attempt at or beyond the cap never exceeds 10s.
func BackoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > cap {
		delay = cap
	}

	// Jitter multiplier in [0.75, 1.25).
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
