package membus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/pipeline/go/bus"
)

func TestPublishReceive(t *testing.T) {
	b := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "Kemayoran", []byte("one")))
	require.NoError(t, b.Publish(ctx, "Kemayoran", []byte("two")))

	got := make(chan string, 2)
	go func() {
		_ = b.Receive(ctx, func(_ context.Context, payload []byte) error {
			got <- string(payload)
			return nil
		})
	}()

	assert.Equal(t, "one", <-got)
	assert.Equal(t, "two", <-got)
}

func TestReceive_RedeliversOnHandlerError(t *testing.T) {
	b := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "Kemayoran", []byte("sample")))

	var attempts int32
	done := make(chan bool)
	go func() {
		_ = b.Receive(ctx, func(_ context.Context, payload []byte) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("store unavailable")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("payload was not redelivered")
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestReceive_RedeliveryProceedsWithFullBuffer(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "Kemayoran", []byte("first")))

	got := make(chan string, 2)
	var failedOnce int32
	go func() {
		_ = b.Receive(ctx, func(_ context.Context, payload []byte) error {
			if string(payload) == "first" && atomic.CompareAndSwapInt32(&failedOnce, 0, 1) {
				// Fill the buffer while the first payload is in flight, then
				// fail it. Redelivery must not depend on channel capacity.
				require.NoError(t, b.Publish(ctx, "Kemayoran", []byte("second")))
				return errors.New("store unavailable")
			}
			got <- string(payload)
			return nil
		})
	}()

	for _, want := range []string{"first", "second"} {
		select {
		case payload := <-got:
			assert.Equal(t, want, payload)
		case <-time.After(5 * time.Second):
			t.Fatalf("never received %q", want)
		}
	}
}

func TestPublish_PayloadTooLarge(t *testing.T) {
	b := New(1)
	err := b.Publish(context.Background(), "Kemayoran", make([]byte, bus.MaxPayloadBytes+1))
	assert.True(t, errors.Is(err, bus.ErrPayloadTooLarge))
	assert.Equal(t, 0, b.Len())
}

func TestReceive_StopsOnCancel(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Receive(ctx, func(_ context.Context, _ []byte) error {
		return nil
	})
	assert.Error(t, err)
}
