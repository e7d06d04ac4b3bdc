package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAborted is returned when the caller's context ends before a call
// succeeds. It is never a failure of the call itself.
var ErrAborted = errors.New("aborted")

// Clock supplies backoff timers. Tests substitute a fake to observe waits.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Policy describes how many times to try and how long to wait in between.
// Attempts are numbered from 1.
type Policy struct {
	MaxAttempts int
	// Backoff returns the wait after failed attempt n.
	Backoff func(attempt int, err error) time.Duration
	// Fatal reports errors that must not be retried.
	Fatal func(err error) bool
	Clock Clock
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do calls fn until it succeeds, returns a fatal error, or the attempts run
// out. Cancellation is checked before every attempt and during every wait;
// once ctx is done any failure resolves to ErrAborted.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(p.MaxAttempts, 1)
	clock := p.Clock
	if clock == nil {
		clock = RealClock
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ErrAborted
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ErrAborted
		}
		if p.Fatal != nil && p.Fatal(err) {
			return zero, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		select {
		case <-clock.After(wait):
		case <-ctx.Done():
			return zero, ErrAborted
		}
	}
	return zero, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// Exponential waits base × 2^(attempt-1).
func Exponential(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(1<<uint(attempt-1))
	}
}

// Linear waits step × attempt.
func Linear(step time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}
