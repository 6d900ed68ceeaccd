package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/kolcycle/internal/scheduler"
)

func TestAdaptiveBatcher_GrowsOnSustainedSuccess(t *testing.T) {
	b := scheduler.NewAdaptiveBatcher(1, 3, 2, time.Second, time.Minute)
	assert.Equal(t, 1, b.Size())

	b.Success()
	assert.Equal(t, 1, b.Size())
	b.Success()
	assert.Equal(t, 2, b.Size())
	for range 10 {
		b.Success()
	}
	assert.Equal(t, 3, b.Size())
}

func TestAdaptiveBatcher_ShrinksOnFailure(t *testing.T) {
	b := scheduler.NewAdaptiveBatcher(1, 8, 1, time.Second, time.Minute)
	for range 7 {
		b.Success()
	}
	assert.Equal(t, 8, b.Size())

	b.Failure()
	assert.Equal(t, 4, b.Size())
	b.Failure()
	b.Failure()
	b.Failure()
	assert.Equal(t, 1, b.Size())
}

func TestAdaptiveBatcher_RateLimitBacksOffExponentially(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := scheduler.NewAdaptiveBatcher(2, 8, 1, time.Second, 5*time.Second)
	b.Success()
	b.Success()

	assert.Equal(t, time.Second, b.RateLimited(now))
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, time.Second, b.Wait(now))
	assert.Zero(t, b.Wait(now.Add(time.Second)))

	assert.Equal(t, 2*time.Second, b.RateLimited(now))
	assert.Equal(t, 4*time.Second, b.RateLimited(now))
	assert.Equal(t, 5*time.Second, b.RateLimited(now))

	b.Success()
	assert.Equal(t, time.Second, b.RateLimited(now), "a success resets the backoff")
}

func TestAdaptiveBatcher_ClampsBounds(t *testing.T) {
	b := scheduler.NewAdaptiveBatcher(0, -1, 0, 0, 0)
	assert.Equal(t, 1, b.Size())
	b.Success()
	assert.Equal(t, 1, b.Size())
}

func TestAdaptiveBatcher_DelayFollowsOutcomes(t *testing.T) {
	b := scheduler.NewAdaptiveBatcher(1, 4, 2, time.Second, time.Minute)
	assert.Zero(t, b.Delay(), "no delay until a range is set")

	b.SetDelayRange(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, b.Delay())

	b.Failure()
	assert.Equal(t, 200*time.Millisecond, b.Delay())
	b.Failure()
	b.Failure()
	b.Failure()
	assert.Equal(t, time.Second, b.Delay(), "capped at the ceiling")

	// Only a full success streak speeds up.
	b.Success()
	assert.Equal(t, time.Second, b.Delay())
	b.Success()
	assert.Equal(t, 500*time.Millisecond, b.Delay())
	for range 10 {
		b.Success()
	}
	assert.Equal(t, 100*time.Millisecond, b.Delay(), "floored at the minimum")

	b.RateLimited(time.Now())
	assert.Equal(t, 200*time.Millisecond, b.Delay())
}

func TestAdaptiveBatcher_DelayFromZeroFloor(t *testing.T) {
	b := scheduler.NewAdaptiveBatcher(1, 4, 1, time.Second, time.Minute)
	b.SetDelayRange(0, 160*time.Millisecond)
	assert.Zero(t, b.Delay())

	b.Failure()
	assert.Equal(t, 10*time.Millisecond, b.Delay())
	b.Success()
	assert.Equal(t, 5*time.Millisecond, b.Delay())
}
