// Package future provides a single-assignment result that callers can wait on or attach continuations to.
package future

import (
	"context"
	"sync"
)

// Future is a value of type T that becomes available at most once, either as a value or as an error.
// Continuations run in registration order, each exactly once.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	val       T
	err       error
	callbacks []func(T, error)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It returns false if the future was already settled.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err. It returns false if the future was already settled.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.val = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

func (f *Future[T]) register(cb func(T, error)) *Future[T] {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return f
	}
	v, err := f.val, f.err
	f.mu.Unlock()
	cb(v, err)
	return f
}

// Then registers fn to run when the future resolves successfully.
func (f *Future[T]) Then(fn func(T)) *Future[T] {
	return f.register(func(v T, err error) {
		if err == nil {
			fn(v)
		}
	})
}

// Except registers fn to run when the future is rejected.
func (f *Future[T]) Except(fn func(error)) *Future[T] {
	return f.register(func(_ T, err error) {
		if err != nil {
			fn(err)
		}
	})
}

// Finally registers fn to run when the future settles either way.
func (f *Future[T]) Finally(fn func(T, error)) *Future[T] {
	return f.register(fn)
}

// Done returns a channel that is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value and error, and whether the future has settled.
func (f *Future[T]) Result() (T, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err, f.settled
}

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
