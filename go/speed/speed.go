// Package speed implements the speed layer: it consumes samples from the bus,
// maintains the real-time set, and keeps incremental hourly aggregates fresh
// until the batch layer overwrites them with authoritative values.
package speed

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/urbanpulse/pipeline/go/bus"
	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/metrics"
	"github.com/urbanpulse/pipeline/go/now"
	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/types"
	"github.com/urbanpulse/pipeline/go/util"
)

// Processor consumes bus samples and applies them to the store.
type Processor struct {
	cfg   *config.Config
	store store.Store

	processed    *metrics.Counter
	malformed    *metrics.Counter
	duplicates   *metrics.Counter
	liveness     *metrics.Liveness
	evictionLive *metrics.Liveness
}

// New returns a Processor writing to the given store.
func New(cfg *config.Config, st store.Store) *Processor {
	return &Processor{
		cfg:          cfg,
		store:        st,
		processed:    metrics.GetCounter("pipeline_speed_processed", nil),
		malformed:    metrics.GetCounter("pipeline_speed_malformed", nil),
		duplicates:   metrics.GetCounter("pipeline_speed_duplicates", nil),
		liveness:     metrics.NewLiveness("pipeline_speed_layer", nil),
		evictionLive: metrics.NewLiveness("pipeline_realtime_eviction", nil),
	}
}

// Run consumes from the bus until ctx is cancelled. It blocks.
func (p *Processor) Run(ctx context.Context, consumer bus.Consumer) error {
	return consumer.Receive(ctx, p.Handle)
}

// Handle processes one bus payload. Malformed payloads are logged and
// acknowledged so the bus does not redeliver them forever; store failures are
// returned so the payload is redelivered.
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	sample, err := types.DecodeSample(payload)
	if err != nil {
		p.malformed.Inc(1)
		plog.Warningf("Dropping undecodable payload: %s", err)
		return nil
	}
	if err := sample.Validate(); err != nil {
		p.malformed.Inc(1)
		plog.Warningf("Dropping invalid sample from %q: %s", sample.Location, err)
		return nil
	}

	inserted, err := p.store.UpsertRealtime(ctx, schema.RealtimeRow{
		Timestamp:           sample.Timestamp,
		Location:            sample.Location,
		Latitude:            sample.Latitude,
		Longitude:           sample.Longitude,
		AQIValue:            sample.AQIValue,
		AQICategory:         (*string)(sample.AQICategory),
		TrafficLevel:        sample.TrafficLevel,
		IsPeakHour:          sample.IsPeakHour,
		ProcessingTimestamp: now.Now(ctx).UTC(),
		IsActive:            true,
	})
	if err != nil {
		return errors.Wrap(err, "upserting realtime row")
	}
	if !inserted {
		// A redelivered sample already contributed to the hourly averages.
		p.duplicates.Inc(1)
		p.liveness.Reset()
		return nil
	}

	date, hour := types.LocalDateHour(sample.Timestamp, p.cfg.LocalOffsetHours)
	err = p.store.UpsertHourly(ctx, store.HourlyDelta{
		Date:       date,
		Hour:       hour,
		Location:   sample.Location,
		Traffic:    sample.TrafficLevel,
		AQI:        sample.AQIValue,
		IsPeakHour: p.cfg.PeakHoursLocal[hour],
	})
	if err != nil {
		return errors.Wrap(err, "updating hourly aggregate")
	}
	p.processed.Inc(1)
	p.liveness.Reset()
	return nil
}

// StartEviction periodically flips realtime rows older than the retention
// window to inactive. It returns immediately.
func (p *Processor) StartEviction(ctx context.Context) {
	go util.RepeatCtx(ctx, p.cfg.RealtimeEvictionInterval, func(ctx context.Context) {
		cutoff := now.Now(ctx).UTC().Add(-p.cfg.RealtimeRetention)
		n, err := p.store.EvictStaleRealtime(ctx, cutoff)
		if err != nil {
			plog.Errorf("Failed to evict stale realtime rows: %s", err)
			return
		}
		if n > 0 {
			plog.Infof("Evicted %d realtime rows older than %s.", n, cutoff.Format(time.RFC3339))
		}
		p.evictionLive.Reset()
	})
}
