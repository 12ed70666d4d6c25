package resilience

import (
	"context"
	"time"

	"cloudlunacy/frontdoor/pkg/errdefs"
)

// WithTimeout runs fn under a deadline. The function receives a derived
// context that is cancelled on expiry; a well-behaved fn observes it and
// returns promptly, so the task is not leaked past the deadline.
//
// On expiry the caller gets a TIMEOUT-kind error. fn's own result is
// returned when it finishes first.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if tctx.Err() == context.DeadlineExceeded {
			return errdefs.Wrap(errdefs.KindTimeout, "operation exceeded deadline", tctx.Err())
		}
		return tctx.Err()
	}
}
