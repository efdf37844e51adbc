package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

var ErrPanic = errors.New("panic")

// ForEach calls fn for each item with at most limit calls running at once.
// A failing call does not stop the others: all errors are joined into the
// returned one. A panic in fn is recovered and returned as ErrPanic.
//
// Canceled context stops items which have not started yet, they report
// ctx.Err().
func ForEach[T any](ctx context.Context, limit int, items []T, fn func(context.Context, int, T) error) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	errs := make([]error, len(items))
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = Safe(func() error {
				return fn(ctx, i, item)
			})
			return nil
		})
	}
	_ = g.Wait() // goroutines do not return an error
	return errors.Join(errs...)
}

// Safe calls fn and turns its panic into an error.
func Safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn()
}
