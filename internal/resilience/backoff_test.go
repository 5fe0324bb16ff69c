package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayAttemptZero(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := BackoffDelay(0, time.Second, 8*time.Second)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestBackoffDelayAttemptTwo(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := BackoffDelay(2, time.Second, 8*time.Second)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	// At or beyond the cap, delay is 8s ± 25%: never above 10.5s.
	for attempt := 10; attempt <= 64; attempt += 6 {
		for i := 0; i < 50; i++ {
			d := BackoffDelay(attempt, time.Second, 8*time.Second)
			assert.GreaterOrEqual(t, d, 6*time.Second, "attempt %d", attempt)
			assert.LessOrEqual(t, d, 10500*time.Millisecond, "attempt %d", attempt)
		}
	}
}

func TestBackoffDelayDefaults(t *testing.T) {
	d := BackoffDelay(0, 0, 0)
	assert.GreaterOrEqual(t, d, 750*time.Millisecond)
	assert.LessOrEqual(t, d, 1250*time.Millisecond)

	// Negative attempts are treated as attempt 0.
	d = BackoffDelay(-3, time.Second, 8*time.Second)
	assert.LessOrEqual(t, d, 1250*time.Millisecond)
}
