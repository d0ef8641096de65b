// Package membus is a channel-backed bus implementation for tests and local
// runs. It preserves the at-least-once contract: payloads whose handler
// returns an error are redelivered.
package membus

import (
	"context"
	"time"

	"github.com/urbanpulse/pipeline/go/bus"
)

// redeliveryPause is how long Receive waits before retrying a payload whose
// handler failed.
const redeliveryPause = 10 * time.Millisecond

// Bus implements bus.Publisher and bus.Consumer over a buffered channel.
type Bus struct {
	ch chan []byte
}

// New returns a Bus able to buffer the given number of in-flight payloads.
func New(buffer int) *Bus {
	return &Bus{
		ch: make(chan []byte, buffer),
	}
}

// Publish implements bus.Publisher. The key is ignored; a single channel is
// already totally ordered.
func (b *Bus) Publish(ctx context.Context, _ string, payload []byte) error {
	if len(payload) > bus.MaxPayloadBytes {
		return bus.ErrPayloadTooLarge
	}
	select {
	case b.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements bus.Consumer. It processes payloads one at a time and
// redelivers any payload whose handler fails.
func (b *Bus) Receive(ctx context.Context, handler bus.Handler) error {
	for {
		select {
		case payload := <-b.ch:
			// Redeliver in place until the handler accepts the payload.
			// Re-queueing onto the channel could block forever if a
			// publisher refilled the buffer in the meantime.
			for handler(ctx, payload) != nil {
				select {
				case <-time.After(redeliveryPause):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of buffered payloads. Test helper.
func (b *Bus) Len() int {
	return len(b.ch)
}

var _ bus.Publisher = (*Bus)(nil)
var _ bus.Consumer = (*Bus)(nil)
