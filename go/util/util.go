// Package util holds small helpers shared by the pipeline services.
package util

import (
	"context"
	"time"
)

// RepeatCtx calls the provided function immediately and then on the given
// interval, until the context is cancelled.
func RepeatCtx(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := ctx.Done()
	fn(ctx)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// WithTimeout runs fn with a context that carries the given deadline.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
