package resilience

import (
	"context"
	"sync"
)

// BulkOptions configures a bounded-parallel fan-out.
type BulkOptions struct {
	// Concurrency is the maximum number of tasks in flight. Values below 1
	// are treated as 1.
	Concurrency int

	// StopOnError cancels outstanding tasks as soon as one fails.
	StopOnError bool
}

// BulkResult holds the outcome of one item in a Bulk run.
type BulkResult[T, R any] struct {
	// Item is the input item.
	Item T

	// Index is the item's position in the input slice.
	Index int

	// Value is the task's result when Err is nil.
	Value R

	// Err is the task's failure, or the cancellation error for tasks that
	// were skipped after StopOnError fired.
	Err error
}

// Bulk runs fn over items with at most opts.Concurrency tasks in flight and
// returns one result per item, in input order. When StopOnError is set, the
// shared context is cancelled on the first failure and in-flight siblings
// are expected to unwind through it; items not yet started fail with the
// context error.
func Bulk[T, R any](ctx context.Context, items []T, opts BulkOptions, fn func(ctx context.Context, item T) (R, error)) []BulkResult[T, R] {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]BulkResult[T, R], len(items))
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		results[i] = BulkResult[T, R]{Item: item, Index: i}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-bctx.Done():
				results[i].Err = bctx.Err()
				return
			}

			if bctx.Err() != nil {
				results[i].Err = bctx.Err()
				return
			}

			value, err := fn(bctx, item)
			results[i].Value = value
			results[i].Err = err

			if err != nil && opts.StopOnError {
				cancel()
			}
		}(i, item)
	}

	wg.Wait()
	return results
}

// Errors extracts the non-nil errors from a Bulk run, in input order.
func Errors[T, R any](results []BulkResult[T, R]) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}
