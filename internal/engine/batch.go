package engine

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Success[T, R any] struct {
	Item   T
	Result R
}

type Failure[T any] struct {
	Item T
	Err  error
}

// BatchResult holds per-item outcomes in input order.
type BatchResult[T, R any] struct {
	Succeeded []Success[T, R]
	Failed    []Failure[T]
}

// Err combines the item errors, or nil when every item succeeded.
func (r BatchResult[T, R]) Err() error {
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, f.Err)
	}
	return err
}

// RunBatch runs worker over items with at most width in flight. An item error
// is recorded and never stops the others.
func RunBatch[T, R any](ctx context.Context, items []T, width int, worker func(context.Context, T) (R, error)) BatchResult[T, R] {
	if len(items) == 0 {
		return BatchResult[T, R]{}
	}
	if width < 1 {
		width = 1
	}

	results := make([]R, len(items))
	errs := make([]error, len(items))

	g := new(errgroup.Group)
	g.SetLimit(width)
	for i, item := range items {
		i, item := i, item
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("worker panic: %v", r)
				}
			}()
			results[i], errs[i] = worker(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	var out BatchResult[T, R]
	for i, item := range items {
		if errs[i] != nil {
			out.Failed = append(out.Failed, Failure[T]{Item: item, Err: errs[i]})
			continue
		}
		out.Succeeded = append(out.Succeeded, Success[T, R]{Item: item, Result: results[i]})
	}
	return out
}
