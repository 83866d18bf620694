// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"time"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// WithTimeout runs fn under a deadline of d. fn receives the derived context
// and must honor it; when the deadline passes first the call fails with
// CodeTimeout even if fn has not returned yet. A zero d only applies the
// parent context.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, TimeoutError(ctx.Err(), d)
		}
		return zero, ctx.Err()
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return zero, TimeoutError(res.err, d)
		}
		return res.value, res.err
	}
}

// TimeoutError wraps cause as a recoverable CodeTimeout error.
func TimeoutError(cause error, d time.Duration) *minerr.MinionError {
	return minerr.New(minerr.CodeTimeout, "operation exceeded timeout", cause).
		WithContext("timeout", d.String()).
		WithRecoverable(true)
}
