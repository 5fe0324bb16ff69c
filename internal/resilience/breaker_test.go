package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	assert.False(t, b.IsOpen(), "below threshold should stay closed")
	assert.True(t, b.Allow())

	b.Failure()
	assert.True(t, b.IsOpen(), "third consecutive failure should open")
	assert.False(t, b.Allow())
	assert.Equal(t, 3, b.Consecutive())
}

func TestBreakerSingleSuccessResets(t *testing.T) {
	b := NewBreaker(5, time.Minute)
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.True(t, b.IsOpen())

	b.Success()
	assert.False(t, b.IsOpen())
	assert.Equal(t, 0, b.Consecutive())
	assert.True(t, b.Allow())

	// Counting starts over: another full threshold is needed to re-open.
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.False(t, b.IsOpen())
	b.Failure()
	assert.True(t, b.IsOpen())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(1, 10*time.Second)
	current := time.Unix(1000, 0)
	b.now = func() time.Time { return current }

	b.Failure()
	require.True(t, b.IsOpen())
	assert.False(t, b.Allow())

	// Cooldown elapsed: probe allowed, but the breaker is still open.
	current = current.Add(11 * time.Second)
	assert.True(t, b.Allow())
	assert.True(t, b.IsOpen())

	// A failed probe restarts the cooldown.
	b.Failure()
	assert.False(t, b.Allow())

	// A successful probe closes it.
	current = current.Add(11 * time.Second)
	require.True(t, b.Allow())
	b.Success()
	assert.False(t, b.IsOpen())
}

func TestBreakerConcurrentCounting(t *testing.T) {
	b := NewBreaker(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Failure()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, b.Consecutive(), "no failure increments may be lost")
	assert.True(t, b.IsOpen())
}
