package batch

import (
	"context"
	"time"

	"github.com/urbanpulse/pipeline/go/now"
	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/types"
)

// jobKind identifies a scheduled batch job.
type jobKind int

const (
	jobHourly jobKind = iota
	jobDaily
	jobPeak
)

func (k jobKind) String() string {
	switch k {
	case jobHourly:
		return "hourly"
	case jobDaily:
		return "daily"
	case jobPeak:
		return "peak"
	}
	return "unknown"
}

// Scheduler runs the batch jobs serially at their local-time triggers: the
// hourly rebuild shortly past each hour, and the daily and peak jobs once per
// day in the small hours. Serial execution means a slow job delays, never
// overlaps, the next one.
type Scheduler struct {
	cfg triggers
	agg *Aggregator
}

// triggers is the slice of the service configuration the scheduler needs.
type triggers struct {
	hourlyMinute int
	dailyHour    int
	peakHour     int
	offsetHours  int
}

// NewScheduler returns a Scheduler driving the given Aggregator, with trigger
// times taken from the Aggregator's configuration.
func NewScheduler(agg *Aggregator) *Scheduler {
	return &Scheduler{
		cfg: triggers{
			hourlyMinute: agg.cfg.BatchHourlyMinute,
			dailyHour:    agg.cfg.BatchDailyHourLocal,
			peakHour:     agg.cfg.BatchPeakHourLocal,
			offsetHours:  agg.cfg.LocalOffsetHours,
		},
		agg: agg,
	}
}

// Start runs the scheduler until ctx is cancelled. It blocks. Before entering
// the timer loop it runs every job once so a restart never leaves a gap.
func (s *Scheduler) Start(ctx context.Context) {
	s.runInitial(ctx)
	for {
		kind, at := s.next(now.Now(ctx))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(at)):
		}
		s.run(ctx, kind, at)
	}
}

// runInitial runs all three jobs for the most recent complete period, so the
// stores are authoritative immediately after startup.
func (s *Scheduler) runInitial(ctx context.Context) {
	ts := now.Now(ctx)
	date, hour := previousHour(ts, s.cfg.offsetHours)
	if err := s.agg.RunHourly(ctx, date, hour); err != nil {
		plog.Errorf("Initial hourly batch failed: %s", err)
	}
	yesterday := previousDay(ts, s.cfg.offsetHours)
	if err := s.agg.RunDaily(ctx, yesterday); err != nil {
		plog.Errorf("Initial daily batch failed: %s", err)
	}
	if err := s.agg.RunPeak(ctx, yesterday); err != nil {
		plog.Errorf("Initial peak batch failed: %s", err)
	}
}

// run executes one triggered job against its target period. Failures are
// logged; the next trigger of the same job covers a retry for daily and peak,
// and the hourly job's gap is healed by the next daily rebuild reading the
// same raw log.
func (s *Scheduler) run(ctx context.Context, kind jobKind, at time.Time) {
	var err error
	switch kind {
	case jobHourly:
		date, hour := previousHour(at, s.cfg.offsetHours)
		err = s.agg.RunHourly(ctx, date, hour)
	case jobDaily:
		err = s.agg.RunDaily(ctx, previousDay(at, s.cfg.offsetHours))
	case jobPeak:
		err = s.agg.RunPeak(ctx, previousDay(at, s.cfg.offsetHours))
	}
	if err != nil {
		plog.Errorf("Batch job %s failed: %s", kind, err)
	}
}

// next returns the earliest upcoming trigger strictly after ts.
func (s *Scheduler) next(ts time.Time) (jobKind, time.Time) {
	kind := jobHourly
	at := nextHourly(ts, s.cfg.hourlyMinute, s.cfg.offsetHours)
	if daily := nextDaily(ts, s.cfg.dailyHour, s.cfg.offsetHours); daily.Before(at) {
		kind, at = jobDaily, daily
	}
	if peak := nextDaily(ts, s.cfg.peakHour, s.cfg.offsetHours); peak.Before(at) {
		kind, at = jobPeak, peak
	}
	return kind, at
}

// nextHourly returns the first instant strictly after ts whose local minute
// equals minute.
func nextHourly(ts time.Time, minute int, offsetHours int) time.Time {
	lt := ts.In(types.Zone(offsetHours))
	at := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), minute, 0, 0, lt.Location())
	if !at.After(lt) {
		at = at.Add(time.Hour)
	}
	return at
}

// nextDaily returns the first instant strictly after ts at the given local
// hour.
func nextDaily(ts time.Time, hour int, offsetHours int) time.Time {
	lt := ts.In(types.Zone(offsetHours))
	at := time.Date(lt.Year(), lt.Month(), lt.Day(), hour, 0, 0, 0, lt.Location())
	if !at.After(lt) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// previousHour returns the local (date, hour) of the hour before ts.
func previousHour(ts time.Time, offsetHours int) (string, int) {
	return types.LocalDateHour(ts.Add(-time.Hour), offsetHours)
}

// previousDay returns the local date of the day before ts.
func previousDay(ts time.Time, offsetHours int) string {
	date, _ := types.LocalDateHour(ts.AddDate(0, 0, -1), offsetHours)
	return date
}
