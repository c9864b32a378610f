package loop

import (
	"context"
	"sync"
)

// Future is a result produced on the tick. It is resolved at most once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns an already settled future.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, err)
	return f
}

// Resolve settles the future and reports whether this call was the one that did.
func (f *Future[T]) Resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value; before settlement it returns the zero value and nil.
func (f *Future[T]) Result() (T, error) {
	if !f.Ready() {
		var zero T
		return zero, nil
	}
	return f.val, f.err
}

// Await blocks until the future settles or ctx is done. Someone else must be driving
// the tick.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
