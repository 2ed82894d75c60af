package ai

import (
	"context"
	"time"
)

// CallWithTimeout runs fn under timeout and returns as soon as the deadline
// passes, even if fn ignores its context. A zero timeout only honours ctx.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{v, err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
