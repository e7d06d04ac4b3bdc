package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingClock fires immediately and remembers every requested wait.
type recordingClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

var errBoom = errors.New("boom")

func TestDo_SucceedsAfterFailures(t *testing.T) {
	clock := &recordingClock{}
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Backoff:     func(n int, _ error) time.Duration { return Exponential(time.Second)(n) },
		Clock:       clock,
	}
	got, err := Do(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errBoom
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", got, calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(clock.waits) != 2 || clock.waits[0] != want[0] || clock.waits[1] != want[1] {
		t.Errorf("unexpected waits %v", clock.waits)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	clock := &recordingClock{}
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 3, Clock: clock}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(clock.waits) != 2 {
		t.Errorf("expected no wait after the final attempt, got %d waits", len(clock.waits))
	}
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Fatal:       func(err error) bool { return errors.Is(err, errBoom) },
		Clock:       &recordingClock{},
	}
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) || calls != 1 {
		t.Errorf("expected one call and the fatal error, got %d calls, err=%v", calls, err)
	}
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 3}, func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no calls, got %d", calls)
	}
}

// blockingClock never fires; only cancellation ends a wait.
type blockingClock struct{ started chan struct{} }

func (c blockingClock) After(time.Duration) <-chan time.Time {
	close(c.started)
	return make(chan time.Time)
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := blockingClock{started: make(chan struct{})}
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, Policy{MaxAttempts: 5, Clock: clock}, func(ctx context.Context) (int, error) {
			calls++
			return 0, errBoom
		})
		done <- err
	}()

	<-clock.started
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("expected ErrAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
	if calls != 1 {
		t.Errorf("expected no further attempts after cancel, got %d calls", calls)
	}
}

func TestDo_FailureAfterCancelIsAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Do(ctx, Policy{MaxAttempts: 5}, func(ctx context.Context) (int, error) {
		cancel()
		return 0, errBoom
	})
	if !errors.Is(err, ErrAborted) {
		t.Errorf("expected in-flight failure to become ErrAborted, got %v", err)
	}
}

func TestBackoffShapes(t *testing.T) {
	exp := Exponential(time.Second)
	if exp(1) != time.Second || exp(4) != 8*time.Second {
		t.Errorf("unexpected exponential backoff %v %v", exp(1), exp(4))
	}
	lin := Linear(5 * time.Second)
	if lin(1) != 5*time.Second || lin(2) != 10*time.Second {
		t.Errorf("unexpected linear backoff %v %v", lin(1), lin(2))
	}
}
