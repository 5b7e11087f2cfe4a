// Package batch runs many independent remote calls with bounded concurrency.
// Items are processed in chunks: chunks run sequentially, items within a
// chunk concurrently, which caps in-flight calls against both the provider
// quota and this service's own rate limiter.
package batch

import (
	"context"
	"fmt"
	"sync"
)

// ChunkSize is the per-chunk concurrency ceiling. Raising it without raising
// the rate-limit budget just converts the extra width into admission
// failures.
const ChunkSize = 10

// MaxItems caps a single bulk request; anything larger is rejected before
// any work starts.
const MaxItems = 500

// ErrTooManyItems rejects oversized batches up front.
var ErrTooManyItems = fmt.Errorf("batch exceeds %d items", MaxItems)

// Failure records one item that did not complete, with a human-readable
// reason for the retry affordance.
type Failure[T any] struct {
	Item   T
	Reason string
}

// Result partitions the input: every input item lands in exactly one of the
// two sets. Callers use Failed to roll back optimistic removals and to offer
// a retry.
type Result[T any] struct {
	Succeeded []T
	Failed    []Failure[T]
}

// Run executes fn once per item. A failing or panicking item is recorded and
// never aborts its siblings; only an oversized input fails the batch as a
// whole, before any item has been attempted.
func Run[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) error) (Result[T], error) {
	if len(items) > MaxItems {
		return Result[T]{}, ErrTooManyItems
	}

	// Slot-indexed so outcomes keep input order regardless of which
	// goroutine finishes first.
	outcomes := make([]error, len(items))

	for start := 0; start < len(items); start += ChunkSize {
		end := min(start+ChunkSize, len(items))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				outcomes[slot] = runOne(ctx, items[slot], fn)
			}(i)
		}
		wg.Wait()
	}

	result := Result[T]{}
	for i, err := range outcomes {
		if err != nil {
			result.Failed = append(result.Failed, Failure[T]{Item: items[i], Reason: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, items[i])
	}

	return result, nil
}

// runOne isolates a single item, converting a panic into an ordinary failure
// so one bad item cannot take down the batch.
func runOne[T any](ctx context.Context, item T, fn func(ctx context.Context, item T) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, item)
}
