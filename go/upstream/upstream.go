// Package upstream contains the clients for the external feeds the poller
// reads: TomTom for traffic congestion and AQICN for air quality. Each client
// classifies its failures as transient (worth a retry within the poll cycle)
// or permanent (skip the metric this cycle).
package upstream

import (
	"context"
	stderrors "errors"

	"github.com/urbanpulse/pipeline/go/config"
)

// TrafficSource produces a congestion level in 1..5 for a location.
type TrafficSource interface {
	TrafficLevel(ctx context.Context, loc config.Location) (int, error)
}

// AQISource produces an AQI value for a location.
type AQISource interface {
	AQI(ctx context.Context, loc config.Location) (int, error)
}

// transientError marks a failure that a retry within the same poll cycle may
// fix, e.g. a timeout or an upstream 5xx.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient marks err as transient. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked with
// Transient.
func IsTransient(err error) bool {
	var t *transientError
	return stderrors.As(err, &t)
}
