package scheduler

import (
	"sync"
	"time"
)

// AdaptiveBatcher sizes refresh batches and paces them. The size grows by
// one after a run of successful batches, halves on a failure, and drops to
// the minimum with an exponential pause when the feed rate limits. The delay
// between batches moves the other way: it halves toward its floor with the
// size and doubles toward its ceiling on every failure.
type AdaptiveBatcher struct {
	mu sync.Mutex

	min, max   int
	growAfter  int
	baseDelay  time.Duration
	maxDelay   time.Duration
	size       int
	streak     int
	backoff    time.Duration
	pauseUntil time.Time

	delayMin, delayMax time.Duration
	delay              time.Duration
}

// NewAdaptiveBatcher starts at the minimum size.
func NewAdaptiveBatcher(minSize, maxSize, growAfter int, baseDelay, maxDelay time.Duration) *AdaptiveBatcher {
	if minSize < 1 {
		minSize = 1
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	if growAfter < 1 {
		growAfter = 1
	}
	return &AdaptiveBatcher{
		min:       minSize,
		max:       maxSize,
		growAfter: growAfter,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		size:      minSize,
	}
}

// SetDelayRange bounds the delay between batches and resets it to lo. A
// zero hi disables the delay.
func (b *AdaptiveBatcher) SetDelayRange(lo, hi time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lo = max(lo, 0)
	hi = max(hi, lo)
	b.delayMin, b.delayMax, b.delay = lo, hi, lo
}

// Delay is the pause before the next batch.
func (b *AdaptiveBatcher) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Size is the current batch size.
func (b *AdaptiveBatcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Wait returns how long callers must still pause after a rate limit.
func (b *AdaptiveBatcher) Wait(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.pauseUntil) {
		return b.pauseUntil.Sub(now)
	}
	return 0
}

// Success records a batch with no failures.
func (b *AdaptiveBatcher) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backoff = 0
	b.streak++
	if b.streak >= b.growAfter {
		if b.size < b.max {
			b.size++
		}
		b.streak = 0
		b.delay = max(b.delayMin, b.delay/2)
	}
}

// Failure records a batch where at least one fetch failed.
func (b *AdaptiveBatcher) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
	b.size = max(b.min, b.size/2)
	b.slowDown()
}

// slowDown doubles the delay, starting from a sixteenth of the ceiling when
// the floor is zero.
func (b *AdaptiveBatcher) slowDown() {
	if b.delayMax == 0 {
		return
	}
	if b.delay == 0 {
		b.delay = max(b.delayMax/16, time.Millisecond)
	} else {
		b.delay *= 2
	}
	b.delay = min(b.delay, b.delayMax)
}

// RateLimited records a rate limit response and returns the pause.
func (b *AdaptiveBatcher) RateLimited(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
	b.size = b.min
	b.slowDown()
	if b.backoff == 0 {
		b.backoff = b.baseDelay
	} else {
		b.backoff *= 2
	}
	if b.maxDelay > 0 && b.backoff > b.maxDelay {
		b.backoff = b.maxDelay
	}
	b.pauseUntil = now.Add(b.backoff)
	return b.backoff
}
