// Package future runs a computation on a background goroutine and hands
// its settled result to any number of readers.
package future

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrPanic = errors.New("background computation panicked")

// Future holds the result of a computation that runs at most once.
type Future[T any] struct {
	g    errgroup.Group
	once sync.Once

	val T
	err error
}

// Go starts fn on a new goroutine. The first Get waits for it.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{}

	f.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Wrapf(ErrPanic, "%v", r)
			}
		}()

		f.val, err = fn()
		return err
	})

	return f
}

// Ready returns a future already settled with v.
func Ready[T any](v T) *Future[T] {
	f := &Future[T]{val: v}
	f.once.Do(func() {})

	return f
}

// Get blocks until the computation has finished and returns its result.
// Every call returns the same value and error.
func (f *Future[T]) Get() (T, error) {
	f.once.Do(func() {
		f.err = f.g.Wait()
	})

	if f.err != nil {
		var zero T
		return zero, f.err
	}

	return f.val, nil
}
