package shim

import (
	"context"

	"go.starlark.net/starlark"
)

// interruptible runs a call that may block in the host, such as a read of
// stdin or an open of a FIFO, off the interpreter goroutine so the run's
// deadline still ends the script. Thread.Cancel is only noticed between
// interpreter steps. An abandoned call finishes in the background and, if
// it succeeded, its value is handed to discard.
func interruptible[T any](thread *starlark.Thread, call func() (T, error), discard func(T)) (T, error) {
	ctx, _ := thread.Local(contextKey).(context.Context)
	if ctx == nil {
		return call()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-done; r.err == nil {
					discard(r.v)
				}
			}()
		}
		var zero T
		return zero, context.Cause(ctx)
	}
}
