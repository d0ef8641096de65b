package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRepeatCtx_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	RepeatCtx(ctx, time.Hour, func(_ context.Context) {
		calls++
		cancel()
	})
	assert.Equal(t, 1, calls)
}

func TestRepeatCtx_Ticks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	RepeatCtx(ctx, time.Millisecond, func(_ context.Context) {
		calls++
		if calls >= 3 {
			cancel()
		}
	})
	assert.GreaterOrEqual(t, calls, 3)
}

func TestWithTimeout_PropagatesDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, context.DeadlineExceeded, err)
}
