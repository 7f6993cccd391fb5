package functree

import (
	"context"
	"reflect"

	"github.com/getsentry/functree/internal/nodetree"
)

// WrapFunc instruments fn as a synchronous call. An empty name uses the
// function's own name.
func WrapFunc[In, Out any](t *Timer, name string, fn func(ctx context.Context, in In) (Out, error)) func(ctx context.Context, in In) (Out, error) {
	if name == "" {
		name = funcName(fn)
	}
	return func(ctx context.Context, in In) (Out, error) {
		ctx, h := t.tracker.Enter(ctx, name, nodetree.KindSync)
		defer t.exit(h)
		return fn(ctx, in)
	}
}

// WrapAsync instruments fn as an asynchronous call: every call runs fn on a
// new goroutine and returns immediately. The measured duration spans from the
// call to fn's return.
func WrapAsync[In, Out any](t *Timer, name string, fn func(ctx context.Context, in In) (Out, error)) func(ctx context.Context, in In) *Future[Out] {
	if name == "" {
		name = funcName(fn)
	}
	return func(ctx context.Context, in In) *Future[Out] {
		ctx, h := t.tracker.Spawn(ctx, name)
		f := &Future[Out]{done: make(chan struct{})}
		go func() {
			// the call must be closed before the future resolves, so that an
			// awaiting parent still finds it attached
			defer close(f.done)
			defer t.exit(h)
			defer func() {
				if r := recover(); r != nil {
					f.panicked = true
					f.panicValue = r
				}
			}()
			f.value, f.err = fn(ctx, in)
		}()
		return f
	}
}

// Future is the pending result of an asynchronous call.
type Future[T any] struct {
	done       chan struct{}
	value      T
	err        error
	panicked   bool
	panicValue interface{}
}

// Done is closed once the call returned.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the call to return and hands back its results. A panic in
// the call is raised again here. If ctx ends first, ctx.Err() is returned and
// the call keeps running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		if f.panicked {
			panic(f.panicValue)
		}
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func reflectPointer(fn interface{}) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return 0
	}
	return v.Pointer()
}
