// Package now provides a function to return the current time that is
// also easily overridden for testing.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic. The value stored
// under the key may be either a time.Time or a NowProvider.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is a function whose return value is used as the current time.
// It is evaluated on every call to Now() and must be threadsafe if the
// context is shared across goroutines.
type NowProvider func() time.Time

// Now returns the current time, or the time stored in the context.
func Now(ctx context.Context) time.Time {
	if v := ctx.Value(ContextKey); v != nil {
		switch t := v.(type) {
		case NowProvider:
			return t()
		case time.Time:
			return t
		default:
			panic(fmt.Sprintf("unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx is a test utility that embeds a context carrying a NowProvider
// whose reported time can be changed as the test progresses.
type TimeTravelCtx struct {
	context.Context

	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a *TimeTravelCtx reporting the given start time.
func TimeTravelingContext(start time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{
		ts: start,
	}
	t.Context = context.WithValue(context.Background(), ContextKey, NowProvider(t.now))
	return t
}

func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime updates the time returned by the embedded context's NowProvider.
func (t *TimeTravelCtx) SetTime(newTime time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = newTime
}
