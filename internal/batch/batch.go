package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultBatchSize   = 10
	DefaultConcurrency = 3
)

// ItemError records a single item's failure along with its original index.
type ItemError[T any] struct {
	Index int
	Item  T
	Err   error
}

func (e ItemError[T]) Error() string { return e.Err.Error() }

func (e ItemError[T]) Unwrap() error { return e.Err }

// Result holds per-item outcomes ordered by original input index.
type Result[T, R any] struct {
	Results []R
	Errors  []ItemError[T]
}

// Options configures Process. Lifecycle callbacks run synchronously with the
// state transition they report and are not recovered: a panicking callback
// is a programming error in the observer, not the pipeline.
type Options[T, R any] struct {
	// BatchSize groups items into sequential chunks.
	BatchSize int
	// Concurrency bounds the number of in-flight items within a chunk.
	Concurrency int
	// DelayBetweenBatches is inserted between chunks, never within one.
	DelayBetweenBatches time.Duration

	OnBatchStart    func(batch, totalBatches int, items []T)
	OnBatchComplete func(batch, totalBatches int)
	OnItemStart     func(index int, item T)
	OnItemComplete  func(index int, item T, result R)
	OnItemError     func(index int, item T, err error)
}

func (o Options[T, R]) withDefaults() Options[T, R] {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Process runs fn over items with at most Concurrency in flight at once.
// Completion order is unconstrained but results and errors are stored by
// original index, so the returned collections follow input order.
func Process[T, R any](ctx context.Context, items []T, opts Options[T, R], fn func(ctx context.Context, index int, item T) (R, error)) (*Result[T, R], error) {
	opts = opts.withDefaults()

	slots := make([]slot[R], len(items))
	collect := func() *Result[T, R] {
		res := &Result[T, R]{}
		for i, s := range slots {
			if !s.done {
				continue
			}
			if s.err != nil {
				res.Errors = append(res.Errors, ItemError[T]{Index: i, Item: items[i], Err: s.err})
			} else {
				res.Results = append(res.Results, s.result)
			}
		}
		return res
	}

	totalBatches := (len(items) + opts.BatchSize - 1) / opts.BatchSize
	sem := semaphore.NewWeighted(int64(opts.Concurrency))

	for b := 0; b < totalBatches; b++ {
		start := b * opts.BatchSize
		end := min(start+opts.BatchSize, len(items))
		chunk := items[start:end]

		if opts.OnBatchStart != nil {
			opts.OnBatchStart(b, totalBatches, chunk)
		}

		var wg sync.WaitGroup
		for i := range chunk {
			index := start + i
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return collect(), err
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)

				item := items[index]
				if opts.OnItemStart != nil {
					opts.OnItemStart(index, item)
				}

				result, err := fn(ctx, index, item)
				slots[index] = slot[R]{result: result, err: err, done: true}

				if err != nil {
					if opts.OnItemError != nil {
						opts.OnItemError(index, item, err)
					}
				} else if opts.OnItemComplete != nil {
					opts.OnItemComplete(index, item, result)
				}
			}()
		}
		wg.Wait()

		if opts.OnBatchComplete != nil {
			opts.OnBatchComplete(b, totalBatches)
		}

		if opts.DelayBetweenBatches > 0 && b < totalBatches-1 {
			timer := time.NewTimer(opts.DelayBetweenBatches)
			select {
			case <-ctx.Done():
				timer.Stop()
				return collect(), ctx.Err()
			case <-timer.C:
			}
		}
	}

	return collect(), nil
}

type slot[R any] struct {
	result R
	err    error
	done   bool
}
