// Package batch drives collections of integration items through a caller
// supplied operation with bounded concurrency, per-item timeouts, and a
// configurable failure policy.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrItemTimeout marks an item whose processor exceeded the per-item
// timeout. The underlying operation is abandoned, not interrupted.
var ErrItemTimeout = errors.New("item processing timed out")

// ErrorHandling selects the batch failure policy.
type ErrorHandling string

// Failure policies.
const (
	// FailFast aborts the whole batch on the first item failure.
	FailFast ErrorHandling = "fail-fast"

	// Continue records failures and keeps processing.
	Continue ErrorHandling = "continue"

	// PartialSuccess behaves like Continue; the distinction is reporting:
	// the batch is considered successful if any item succeeded.
	PartialSuccess ErrorHandling = "partial-success"
)

// Config controls one batch run.
type Config struct {
	// BatchSize is the chunk length items are processed in. Default: 10.
	BatchSize int

	// MaxConcurrency bounds concurrent items within a chunk. Default: 1.
	MaxConcurrency int

	// ItemTimeout bounds each processor call. Default: 30 seconds.
	ItemTimeout time.Duration

	// ErrorHandling is the failure policy. Default: Continue.
	ErrorHandling ErrorHandling

	// OnItemError, if set, observes each item failure (index, error).
	// Flows use it to route failures into the error classifier.
	OnItemError func(index int, err error)

	// Logger for batch progress.
	Logger zerolog.Logger
}

// Result reports one batch run. Results and Errors are index-aligned with
// the input items; untouched slots stay zero/nil.
type Result[R any] struct {
	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int
	Results         []R
	Errors          []error
	Duration        time.Duration
}

// Processor handles one item.
type Processor[T, R any] func(ctx context.Context, item T) (R, error)

// Process runs items through the processor under the config's concurrency
// and failure policy. Under FailFast the first failure aborts the batch and
// is returned; other policies always return a nil error.
func Process[T, R any](ctx context.Context, items []T, processor Processor[T, R], cfg Config) (*Result[R], error) {
	start := time.Now()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 30 * time.Second
	}
	if cfg.ErrorHandling == "" {
		cfg.ErrorHandling = Continue
	}

	result := &Result[R]{
		TotalItems: len(items),
		Results:    make([]R, len(items)),
		Errors:     make([]error, len(items)),
	}

	cfg.Logger.Debug().
		Int("total_items", len(items)).
		Int("batch_size", cfg.BatchSize).
		Int("max_concurrency", cfg.MaxConcurrency).
		Msg("starting batch")

	var abortErr error

chunks:
	for chunkStart := 0; chunkStart < len(items); chunkStart += cfg.BatchSize {
		chunkEnd := chunkStart + cfg.BatchSize
		if chunkEnd > len(items) {
			chunkEnd = len(items)
		}

		for subStart := chunkStart; subStart < chunkEnd; subStart += cfg.MaxConcurrency {
			subEnd := subStart + cfg.MaxConcurrency
			if subEnd > chunkEnd {
				subEnd = chunkEnd
			}

			var wg sync.WaitGroup
			for i := subStart; i < subEnd; i++ {
				wg.Add(1)
				go func(index int) {
					defer wg.Done()
					value, err := runItem(ctx, items[index], processor, cfg.ItemTimeout)
					if err != nil {
						result.Errors[index] = err
						return
					}
					result.Results[index] = value
				}(i)
			}
			wg.Wait()

			for i := subStart; i < subEnd; i++ {
				result.ProcessedItems++
				if err := result.Errors[i]; err != nil {
					result.FailedItems++
					if cfg.OnItemError != nil {
						cfg.OnItemError(i, err)
					}
					if cfg.ErrorHandling == FailFast {
						abortErr = fmt.Errorf("item %d: %w", i, err)
						break chunks
					}
					continue
				}
				result.SuccessfulItems++
			}
		}
	}

	result.Duration = time.Since(start)

	cfg.Logger.Debug().
		Int("successful", result.SuccessfulItems).
		Int("failed", result.FailedItems).
		Dur("duration", result.Duration).
		Msg("batch completed")

	return result, abortErr
}

// runItem races the processor against the per-item timeout. A timed-out
// item's goroutine is abandoned; only its result is discarded.
func runItem[T, R any](ctx context.Context, item T, processor Processor[T, R], timeout time.Duration) (R, error) {
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value R
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		value, err := processor(itemCtx, item)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-itemCtx.Done():
		var zero R
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			return zero, ErrItemTimeout
		}
		return zero, itemCtx.Err()
	}
}
