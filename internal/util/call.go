package util

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// ErrPanic is wrapped by the error returned when a guarded call panics.
var ErrPanic = errors.New("recovered panic")

// SafeCall runs fn and turns a panic into an error wrapping ErrPanic.
func SafeCall[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("util.SafeCall: recovered panic", "panic", r, "stack", string(debug.Stack()))
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// CallWithTimeout runs fn with a deadline and stops waiting when it passes, even if fn ignores
// its context. A panic in fn is returned as an error instead of crashing the process.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := SafeCall(func() (T, error) { return fn(ctx) })
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
