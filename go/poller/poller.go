// Package poller implements the ingestion loop. Every poll cycle it queries
// the traffic and air-quality feeds for each monitored location, assembles a
// sample stamped with the shared cycle timestamp, publishes it onto the bus,
// and appends it to the raw log.
package poller

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/urbanpulse/pipeline/go/bus"
	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/metrics"
	"github.com/urbanpulse/pipeline/go/now"
	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/types"
	"github.com/urbanpulse/pipeline/go/upstream"
	"github.com/urbanpulse/pipeline/go/util"
)

const (
	// feedTries bounds attempts per feed per cycle. One retry keeps the
	// cycle short; a feed that stays down is simply absent this cycle.
	feedTries = 2

	// writeTries bounds publish and raw-append attempts for a sample.
	writeTries = 4

	// writeBackoffCap is the longest pause between write retries.
	writeBackoffCap = 2 * time.Second
)

// Poller drives the ingestion loop.
type Poller struct {
	cfg       *config.Config
	traffic   upstream.TrafficSource
	aqi       upstream.AQISource
	publisher bus.Publisher
	store     store.Store

	busy sync.Mutex

	cycleLiveness  *metrics.Liveness
	samplesOut     *metrics.Counter
	samplesFailed  *metrics.Counter
	cyclesLagged   *metrics.Counter
	publishDropped *metrics.Counter
}

// New returns a Poller over the given feeds, bus, and raw log.
func New(cfg *config.Config, traffic upstream.TrafficSource, aqi upstream.AQISource, publisher bus.Publisher, st store.Store) *Poller {
	return &Poller{
		cfg:           cfg,
		traffic:       traffic,
		aqi:           aqi,
		publisher:     publisher,
		store:         st,
		cycleLiveness:  metrics.NewLiveness("pipeline_poll_cycle", nil),
		samplesOut:     metrics.GetCounter("pipeline_poller_samples", nil),
		samplesFailed:  metrics.GetCounter("pipeline_poller_sample_failures", nil),
		cyclesLagged:   metrics.GetCounter("pipeline_poller_cycles_lagged", nil),
		publishDropped: metrics.GetCounter("pipeline_poller_publish_dropped", nil),
	}
}

// NewFromConfig builds the production feed clients and returns a Poller using
// them.
func NewFromConfig(cfg *config.Config, publisher bus.Publisher, st store.Store) *Poller {
	client := &http.Client{Timeout: cfg.UpstreamTimeout}
	traffic := upstream.NewTomTom(client, cfg.TomTomURL, cfg.TomTomAPIKey)
	aqi := upstream.NewAQICN(client, cfg.AQICNURL, cfg.AQICNToken)
	return New(cfg, traffic, aqi, publisher, st)
}

// Start runs poll cycles on the configured interval until ctx is cancelled.
// It blocks.
func (p *Poller) Start(ctx context.Context) {
	plog.Infof("Polling %d locations every %s", len(p.cfg.Locations), p.cfg.PollInterval)
	util.RepeatCtx(ctx, p.cfg.PollInterval, func(ctx context.Context) {
		// Never stack cycles. If the previous cycle is still running, count
		// the lag and skip this tick.
		if !p.busy.TryLock() {
			p.cyclesLagged.Inc(1)
			plog.Warning("Previous poll cycle still running, skipping this tick.")
			return
		}
		defer p.busy.Unlock()
		p.pollOnce(ctx)
	})
}

// pollOnce runs a single cycle over all locations.
func (p *Poller) pollOnce(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "poller_pollOnce")
	defer span.End()

	// All samples in a cycle share one timestamp so they aggregate into the
	// same hourly buckets.
	cycleTS := now.Now(ctx).UTC().Truncate(time.Millisecond)

	// sem bounds in-flight upstream requests, not locations. Every location
	// issues two, so the bound has to sit around the individual fetches.
	sem := make(chan struct{}, p.cfg.FanoutConcurrency)

	var wg sync.WaitGroup
	for _, loc := range p.cfg.Locations {
		wg.Add(1)
		go func(loc config.Location) {
			defer wg.Done()
			if err := p.pollLocation(ctx, loc, cycleTS, sem); err != nil {
				p.samplesFailed.Inc(1)
				plog.Errorf("Failed to ingest %s: %s", loc.Name, err)
				return
			}
			p.samplesOut.Inc(1)
		}(loc)
	}
	wg.Wait()
	p.cycleLiveness.Reset()
}

// pollLocation fetches both feeds for one location, then publishes and
// persists the resulting sample. Each fetch holds a slot in sem while its
// request is in flight.
func (p *Poller) pollLocation(ctx context.Context, loc config.Location, cycleTS time.Time, sem chan struct{}) error {
	sample := types.Sample{
		Timestamp: cycleTS,
		Location:  loc.Name,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	}

	// The two feeds are independent; fetch them concurrently. A feed that
	// fails after its retries just leaves its metric nil.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sem <- struct{}{}
		level, err := p.fetchWithRetry(ctx, func(ctx context.Context) (int, error) {
			return p.traffic.TrafficLevel(ctx, loc)
		})
		<-sem
		if err != nil {
			plog.Warningf("No traffic level for %s this cycle: %s", loc.Name, err)
			return
		}
		sample.TrafficLevel = &level
	}()
	go func() {
		defer wg.Done()
		sem <- struct{}{}
		value, err := p.fetchWithRetry(ctx, func(ctx context.Context) (int, error) {
			return p.aqi.AQI(ctx, loc)
		})
		<-sem
		if err != nil {
			plog.Warningf("No AQI value for %s this cycle: %s", loc.Name, err)
			return
		}
		sample.AQIValue = &value
	}()
	wg.Wait()

	if sample.AQIValue == nil && sample.TrafficLevel == nil {
		return errors.New("both feeds failed")
	}
	sample.Derive(p.cfg.LocalOffsetHours, p.cfg.PeakHoursLocal)
	if err := sample.Validate(); err != nil {
		return errors.Wrap(err, "assembled an invalid sample")
	}

	payload, err := sample.Encode()
	if err != nil {
		return err
	}
	// The raw log is the rebuild source of record, so a bus outage must not
	// lose the sample. Drop the message and append anyway.
	if err := p.publish(ctx, sample.Location, payload); err != nil {
		p.publishDropped.Inc(1)
		plog.Errorf("Dropping bus message for %s after retries: %s", sample.Location, err)
	}
	return p.appendRaw(ctx, sample)
}

// fetchWithRetry calls fn with the per-request timeout, retrying once on a
// transient failure.
func (p *Poller) fetchWithRetry(ctx context.Context, fn func(ctx context.Context) (int, error)) (int, error) {
	var rv int
	operation := func() error {
		return util.WithTimeout(ctx, p.cfg.UpstreamTimeout, func(ctx context.Context) error {
			v, err := fn(ctx)
			if err != nil {
				if upstream.IsTransient(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			rv = v
			return nil
		})
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), feedTries-1), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return 0, err
	}
	return rv, nil
}

// publish sends the sample onto the bus, retrying transient failures with
// capped exponential backoff. An oversized payload is dropped, the raw log
// still gets the sample.
func (p *Poller) publish(ctx context.Context, key string, payload []byte) error {
	operation := func() error {
		err := p.publisher.Publish(ctx, key, payload)
		if errors.Is(err, bus.ErrPayloadTooLarge) {
			plog.Errorf("Dropping oversized payload for %s.", key)
			return nil
		}
		return err
	}
	if err := backoff.Retry(operation, p.writeBackoff(ctx)); err != nil {
		return errors.Wrap(err, "publishing sample")
	}
	return nil
}

// appendRaw writes the sample to the raw log with the same retry policy as
// publish.
func (p *Poller) appendRaw(ctx context.Context, sample types.Sample) error {
	row := schema.RawRow{
		Timestamp:    sample.Timestamp,
		Location:     sample.Location,
		Latitude:     sample.Latitude,
		Longitude:    sample.Longitude,
		AQIValue:     sample.AQIValue,
		AQICategory:  (*string)(sample.AQICategory),
		TrafficLevel: sample.TrafficLevel,
		IsPeakHour:   sample.IsPeakHour,
	}
	operation := func() error {
		return p.store.AppendRaw(ctx, row)
	}
	if err := backoff.Retry(operation, p.writeBackoff(ctx)); err != nil {
		return errors.Wrap(err, "appending to raw log")
	}
	return nil
}

func (p *Poller) writeBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = writeBackoffCap
	return backoff.WithContext(backoff.WithMaxRetries(b, writeTries-1), ctx)
}
