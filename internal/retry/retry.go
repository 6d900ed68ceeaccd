// Package retry runs an operation a bounded number of times, backing off
// between attempts and retrying only errors a predicate marks as transient.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy controls attempt count, per-attempt timeout, and backoff.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// Delay is the wait after the first failed attempt.
	Delay time.Duration
	// Multiplier scales the delay after every failure; 1 gives a fixed delay.
	Multiplier float64
	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// Default is three attempts, 30s each, 500ms doubling backoff.
func Default() Policy {
	return Policy{
		Attempts:   3,
		Timeout:    30 * time.Second,
		Delay:      500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   5 * time.Second,
	}
}

// Untimed returns p without the per-attempt deadline. Writes that broadcast
// a transaction use it so a slow confirmation is never cut short and resent.
func (p Policy) Untimed() Policy {
	p.Timeout = 0
	return p
}

// Do calls fn until it succeeds, returns an error isTransient rejects, the
// attempts run out, or ctx is done. The last error is returned wrapped.
func Do(ctx context.Context, p Policy, isTransient func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, p.Timeout, attempt, fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: cancelled after attempt %d: %w", attempt, err)
		case <-timer.C:
		}
		delay = next(delay, p)
	}
	return fmt.Errorf("retry: gave up after %d attempts: %w", attempts, err)
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, isTransient func(error) bool, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, isTransient, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

func next(d time.Duration, p Policy) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
