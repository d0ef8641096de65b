// Package bus defines the message bus contract between the ingestion poller
// and the speed layer. Payloads are opaque bytes; the key is the location name
// and provides per-location ordering where the transport supports it.
package bus

import (
	"context"

	"github.com/pkg/errors"
)

// MaxPayloadBytes is the largest payload a publisher accepts. Anything larger
// indicates a bug upstream and is dropped rather than retried.
const MaxPayloadBytes = 1 << 20

// ErrPayloadTooLarge is returned by Publish for payloads over MaxPayloadBytes.
// Match with errors.Is; it is permanent, never retry it.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// Handler processes one delivered payload. A nil return acknowledges the
// message; an error triggers redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Publisher sends payloads onto the bus.
type Publisher interface {
	// Publish sends one payload. It blocks until the transport has accepted
	// the message or ctx is cancelled. Failures other than
	// ErrPayloadTooLarge are transient and may be retried.
	Publish(ctx context.Context, key string, payload []byte) error
}

// Consumer delivers payloads to a handler.
type Consumer interface {
	// Receive calls handler for each delivered payload until ctx is
	// cancelled. Delivery is at-least-once; handlers must tolerate
	// duplicates.
	Receive(ctx context.Context, handler Handler) error
}
