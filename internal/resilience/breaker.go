package resilience

import (
	"sync"
	"time"
)

// DefaultFailureThreshold opens a breaker after this many consecutive failures.
const DefaultFailureThreshold = 5

// DefaultCooldown is how long an open breaker refuses calls before going half-open.
const DefaultCooldown = 30 * time.Second

// Breaker is a consecutive-failure circuit breaker. It opens once the failure
// count reaches the threshold, refuses calls until the cooldown elapses, then
// goes half-open: the next call is allowed through, and its outcome either
// closes the breaker (success) or re-opens it for another cooldown (failure).
// Safe for concurrent use by multiple in-flight callers.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	consecutive int
	open        bool
	openedAt    time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewBreaker creates a breaker with the given threshold and cooldown.
// Non-positive arguments fall back to the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open and inside the
// cooldown window it returns false; after the window it returns true
// (half-open probe) without closing the breaker.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	return b.now().Sub(b.openedAt) >= b.cooldown
}

// Success records a successful call: the consecutive-failure counter resets
// to zero and the breaker closes.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
}

// Failure records a failed call. Reaching the threshold opens the breaker;
// a failure while half-open re-opens it and restarts the cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	if b.consecutive >= b.threshold {
		b.open = true
		b.openedAt = b.now()
	}
}

// IsOpen reports whether the breaker is currently open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Consecutive returns the current consecutive-failure count.
func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
