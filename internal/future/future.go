package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("future: wait timed out")

// Future is a single-assignment value shared between goroutines. It
// resolves exactly once, either to a value or to an error.
type Future[T any] struct {
	context.Context
	resolve context.CancelCauseFunc

	mu        sync.Mutex
	resolved  bool
	value     T
	listeners []func(T, error)
}

func New[T any]() *Future[T] {
	ctx, resolve := context.WithCancelCause(context.Background())
	return &Future[T]{
		Context: ctx,
		resolve: resolve,
	}
}

// Set resolves the future with v. It reports whether this call won.
func (f *Future[T]) Set(v T) bool { return f.settle(v, nil) }

// SetErr resolves the future with err. A nil err resolves it with the zero value.
func (f *Future[T]) SetErr(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value = v
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	f.resolve(err)
	for _, l := range listeners {
		l(v, err)
	}
	return true
}

func (f *Future[T]) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// AddListener calls fn once the future resolves, on the resolving
// goroutine, or right away when it already has.
func (f *Future[T]) AddListener(fn func(v T, err error)) {
	f.mu.Lock()
	if !f.resolved {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f.result())
}

// Get blocks for at most timeout. A non-positive timeout waits forever.
func (f *Future[T]) Get(timeout time.Duration) (v T, err error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.Wait(ctx)
}

func (f *Future[T]) Wait(ctx context.Context) (v T, err error) {
	select {
	case <-f.Done():
		return f.result()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return v, ErrTimeout
		}
		return v, ctx.Err()
	}
}

func (f *Future[T]) result() (v T, err error) {
	switch err = context.Cause(f); err {
	case context.Canceled:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, nil
	}
	return
}
