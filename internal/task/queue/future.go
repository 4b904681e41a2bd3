package queue

import (
	"context"
	"fmt"
	"sync"
)

// Future is the pending result of a submitted task. It settles exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func rejected(err error) *Future {
	f := newFuture()
	f.settle(nil, err)
	return f
}

func (f *Future) settle(v any, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done is closed once the task is resolved or rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the task settles or ctx is done. A ctx error does not
// cancel the task itself.
func (f *Future) Await(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, priority int, fn func(ctx context.Context) (T, error), opts ...SubmitOption) (T, error) {
	fut := q.Submit(func(c context.Context) (any, error) {
		v, err := fn(c)
		return v, err
	}, priority, opts...)
	return doAs[T](ctx, fut)
}

func doAs[T any](ctx context.Context, fut *Future) (T, error) {
	var zero T
	v, err := fut.Await(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("task result is %T, want %T", v, zero)
	}
	return out, nil
}
