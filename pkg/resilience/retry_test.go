package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "flaky", RetryConfig{Max: 3, Base: time.Millisecond, Cap: 10 * time.Millisecond},
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cause := errors.New("persistent")
	calls := 0

	err := Retry(context.Background(), "doomed", RetryConfig{Max: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond},
		func(ctx context.Context) error {
			calls++
			return cause
		})

	if calls != 3 {
		t.Errorf("calls = %d, want max+1 = 3", calls)
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", opErr.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("last cause not preserved through Unwrap")
	}
}

func TestRetryShouldRetryStopsEarly(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "fatal", RetryConfig{
		Max:  5,
		Base: time.Millisecond,
		ShouldRetry: func(err error, attempt int) bool {
			return false
		},
	}, func(ctx context.Context) error {
		calls++
		return errors.New("fatal input")
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRetryOnRetryCallback(t *testing.T) {
	var delays []time.Duration
	Retry(context.Background(), "observed", RetryConfig{
		Max:  2,
		Base: 4 * time.Millisecond,
		Cap:  100 * time.Millisecond,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			delays = append(delays, delay)
		},
	}, func(ctx context.Context) error {
		return errors.New("always")
	})

	if len(delays) != 2 {
		t.Fatalf("OnRetry fired %d times, want 2", len(delays))
	}
	// Full jitter keeps each delay within [base/2 * 2^(n-1), base * 2^(n-1)].
	if delays[0] < 2*time.Millisecond || delays[0] > 4*time.Millisecond {
		t.Errorf("first delay %v outside [2ms, 4ms]", delays[0])
	}
	if delays[1] < 4*time.Millisecond || delays[1] > 8*time.Millisecond {
		t.Errorf("second delay %v outside [4ms, 8ms]", delays[1])
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, "cancelled", RetryConfig{Max: 100, Base: 50 * time.Millisecond, Cap: time.Second},
		func(ctx context.Context) error {
			calls++
			return errors.New("keep going")
		})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if calls > 2 {
		t.Errorf("calls = %d, cancellation should stop the loop quickly", calls)
	}
}

func TestBackoffDelayCap(t *testing.T) {
	cap := 20 * time.Millisecond
	for attempt := 1; attempt <= 10; attempt++ {
		if d := backoffDelay(5*time.Millisecond, cap, attempt); d > cap {
			t.Errorf("attempt %d delay %v exceeds cap", attempt, d)
		}
	}
}
