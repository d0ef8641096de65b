// Package batch implements the batch layer: authoritative recomputation of
// hourly aggregates from the raw log, daily per-location summaries, and the
// per-day peak-hour analysis.
package batch

import (
	"context"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/metrics"
	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/types"
)

// Aggregator recomputes aggregates from the raw log. All computation happens
// in memory; a full day of raw rows for every location fits comfortably.
type Aggregator struct {
	cfg   *config.Config
	store store.Store

	hourlyLiveness *metrics.Liveness
	dailyLiveness  *metrics.Liveness
	peakLiveness   *metrics.Liveness
}

// NewAggregator returns an Aggregator over the given store.
func NewAggregator(cfg *config.Config, st store.Store) *Aggregator {
	return &Aggregator{
		cfg:            cfg,
		store:          st,
		hourlyLiveness: metrics.NewLiveness("pipeline_batch_job", map[string]string{"job": "hourly"}),
		dailyLiveness:  metrics.NewLiveness("pipeline_batch_job", map[string]string{"job": "daily"}),
		peakLiveness:   metrics.NewLiveness("pipeline_batch_job", map[string]string{"job": "peak"}),
	}
}

// metricAccum accumulates one metric's values for a group.
type metricAccum struct {
	sum   float64
	count int64
	min   int
	max   int
}

func (m *metricAccum) add(v int) {
	if m.count == 0 || v < m.min {
		m.min = v
	}
	if m.count == 0 || v > m.max {
		m.max = v
	}
	m.sum += float64(v)
	m.count++
}

func (m *metricAccum) avg() *float64 {
	if m.count == 0 {
		return nil
	}
	avg := m.sum / float64(m.count)
	return &avg
}

func (m *metricAccum) bounds() (*int, *int) {
	if m.count == 0 {
		return nil, nil
	}
	lo, hi := m.min, m.max
	return &lo, &hi
}

// groupAccum accumulates both metrics for one grouping key.
type groupAccum struct {
	traffic metricAccum
	aqi     metricAccum
	total   int64
}

func (g *groupAccum) add(row schema.RawRow) {
	if row.TrafficLevel != nil {
		g.traffic.add(*row.TrafficLevel)
	}
	if row.AQIValue != nil {
		g.aqi.add(*row.AQIValue)
	}
	g.total++
}

// RunHourly recomputes the hourly aggregates for one local (date, hour) from
// the raw log and overwrites whatever the speed layer accumulated there.
func (a *Aggregator) RunHourly(ctx context.Context, date string, hour int) error {
	ctx, span := trace.StartSpan(ctx, "batch_RunHourly")
	defer span.End()

	from, to, err := types.LocalHourWindow(date, hour, a.cfg.LocalOffsetHours)
	if err != nil {
		return err
	}
	rows, err := a.store.FetchRawBetween(ctx, from, to)
	if err != nil {
		return errors.Wrapf(err, "reading raw rows for %s hour %d", date, hour)
	}
	groups := map[string]*groupAccum{}
	for _, row := range rows {
		g, ok := groups[row.Location]
		if !ok {
			g = &groupAccum{}
			groups[row.Location] = g
		}
		g.add(row)
	}
	for location, g := range groups {
		err := a.store.OverwriteHourly(ctx, schema.HourlyRow{
			Date:         date,
			Hour:         hour,
			Location:     location,
			AvgTraffic:   g.traffic.avg(),
			TrafficCount: g.traffic.count,
			AvgAQI:       g.aqi.avg(),
			AQICount:     g.aqi.count,
			TotalRecords: g.total,
			IsPeakHour:   a.cfg.PeakHoursLocal[hour],
		})
		if err != nil {
			return errors.Wrapf(err, "overwriting hourly row for %s", location)
		}
	}
	plog.Infof("Hourly batch for %s hour %d rebuilt %d locations from %d raw rows.", date, hour, len(groups), len(rows))
	a.hourlyLiveness.Reset()
	return nil
}

// RunDaily computes per-location daily summaries for one local date from the
// raw log.
func (a *Aggregator) RunDaily(ctx context.Context, date string) error {
	ctx, span := trace.StartSpan(ctx, "batch_RunDaily")
	defer span.End()

	from, to, err := types.LocalDayWindow(date, a.cfg.LocalOffsetHours)
	if err != nil {
		return err
	}
	rows, err := a.store.FetchRawBetween(ctx, from, to)
	if err != nil {
		return errors.Wrapf(err, "reading raw rows for %s", date)
	}
	groups := map[string]*groupAccum{}
	for _, row := range rows {
		g, ok := groups[row.Location]
		if !ok {
			g = &groupAccum{}
			groups[row.Location] = g
		}
		g.add(row)
	}
	for location, g := range groups {
		minAQI, maxAQI := g.aqi.bounds()
		minTraffic, maxTraffic := g.traffic.bounds()
		err := a.store.WriteDaily(ctx, schema.DailyRow{
			Date:            date,
			Location:        location,
			AvgAQI:          g.aqi.avg(),
			MinAQI:          minAQI,
			MaxAQI:          maxAQI,
			AvgTraffic:      g.traffic.avg(),
			MinTraffic:      minTraffic,
			MaxTraffic:      maxTraffic,
			DataPointsCount: g.total,
		})
		if err != nil {
			return errors.Wrapf(err, "writing daily row for %s", location)
		}
	}
	plog.Infof("Daily batch for %s summarized %d locations from %d raw rows.", date, len(groups), len(rows))
	a.dailyLiveness.Reset()
	return nil
}

// RunPeak finds, across the hourly aggregates of one local date, the
// (hour, location) with the highest average AQI and the one with the highest
// average traffic level, and records them as the day's peak summary. A date
// with no usable hourly rows is skipped with a warning.
func (a *Aggregator) RunPeak(ctx context.Context, date string) error {
	ctx, span := trace.StartSpan(ctx, "batch_RunPeak")
	defer span.End()

	rows, err := a.store.FetchHourlyForDate(ctx, date)
	if err != nil {
		return errors.Wrapf(err, "reading hourly rows for %s", date)
	}
	var peakAQI, peakTraffic *schema.HourlyRow
	for i := range rows {
		row := &rows[i]
		if row.AvgAQI != nil && (peakAQI == nil || *row.AvgAQI > *peakAQI.AvgAQI) {
			peakAQI = row
		}
		if row.AvgTraffic != nil && (peakTraffic == nil || *row.AvgTraffic > *peakTraffic.AvgTraffic) {
			peakTraffic = row
		}
	}
	if peakAQI == nil || peakTraffic == nil {
		plog.Warningf("No usable hourly rows for %s, skipping peak analysis.", date)
		return nil
	}
	err = a.store.WritePeak(ctx, schema.PeakHourRow{
		AnalysisDate:        date,
		PeakAQIHour:         peakAQI.Hour,
		PeakAQIValue:        *peakAQI.AvgAQI,
		PeakAQILocation:     peakAQI.Location,
		PeakTrafficHour:     peakTraffic.Hour,
		PeakTrafficValue:    *peakTraffic.AvgTraffic,
		PeakTrafficLocation: peakTraffic.Location,
	})
	if err != nil {
		return errors.Wrapf(err, "writing peak summary for %s", date)
	}
	plog.Infof("Peak analysis for %s: AQI hour %d at %s, traffic hour %d at %s.", date, peakAQI.Hour, peakAQI.Location, peakTraffic.Hour, peakTraffic.Location)
	a.peakLiveness.Reset()
	return nil
}
