// Package serving implements the read-only serving layer: the unified view
// with its fixed speed/batch/raw fallback tiers, the hourly series, the peak
// summary, and the recent-aggregates summary, plus the HTTP API over them.
package serving

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/now"
	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/types"
)

// Source labels the tier a unified view was served from. The dashboard shows
// the label as its data-source indicator, so the values are fixed.
type Source string

const (
	SourceSpeed Source = "speed"
	SourceBatch Source = "batch"
	SourceRaw   Source = "raw"
)

// Row is one location's entry in the unified view. Timestamp is set for rows
// from the speed and raw tiers; Date and Hour are set for rows from the batch
// tier. Metric values are floats because the batch tier serves averages.
type Row struct {
	Location  string  `json:"location"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	Timestamp *time.Time `json:"timestamp"`
	Date      string     `json:"date,omitempty"`
	Hour      *int       `json:"hour,omitempty"`

	AQIValue     *float64           `json:"aqi_value"`
	AQICategory  *types.AQICategory `json:"aqi_category"`
	TrafficLevel *float64           `json:"traffic_level"`
	IsPeakHour   bool               `json:"is_peak_hour"`
}

// UnifiedView is the rows of one tier plus the label saying which tier.
type UnifiedView struct {
	Source Source `json:"source"`
	Rows   []Row  `json:"rows"`
}

// RecentSummary is the per-location aggregate over the real-time window.
type RecentSummary struct {
	Location   string   `json:"location"`
	AvgAQI     *float64 `json:"avg_aqi"`
	MaxAQI     *int     `json:"max_aqi"`
	AvgTraffic *float64 `json:"avg_traffic"`
	MaxTraffic *int     `json:"max_traffic"`
	Count      int64    `json:"count"`
}

// Layer answers read queries. It never writes and holds no background state.
type Layer struct {
	cfg   *config.Config
	store store.Store
}

// New returns a Layer reading from the given store.
func New(cfg *config.Config, st store.Store) *Layer {
	return &Layer{
		cfg:   cfg,
		store: st,
	}
}

// UnifiedView returns the freshest available per-location data, trying the
// tiers in their fixed order: the real-time set if its newest row is within
// maxAge of now, then the latest hourly aggregates, then the raw log. Store
// errors propagate; an empty store yields an empty raw tier, never a hidden
// error.
func (l *Layer) UnifiedView(ctx context.Context, maxAge time.Duration) (*UnifiedView, error) {
	ts := now.Now(ctx).UTC()

	realtime, err := l.store.FetchRecentRealtime(ctx, ts.Add(-maxAge))
	if err != nil {
		return nil, errors.Wrap(err, "reading realtime tier")
	}
	if len(realtime) > 0 && ts.Sub(realtime[0].Timestamp) <= maxAge {
		rows := make([]Row, 0, len(realtime))
		for _, r := range realtime {
			t := r.Timestamp
			rows = append(rows, Row{
				Location:     r.Location,
				Latitude:     r.Latitude,
				Longitude:    r.Longitude,
				Timestamp:    &t,
				AQIValue:     intToFloat(r.AQIValue),
				AQICategory:  (*types.AQICategory)(r.AQICategory),
				TrafficLevel: intToFloat(r.TrafficLevel),
				IsPeakHour:   r.IsPeakHour,
			})
		}
		return &UnifiedView{Source: SourceSpeed, Rows: rows}, nil
	}

	hourly, err := l.store.FetchLatestHourlyPerLocation(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading batch tier")
	}
	if len(hourly) > 0 {
		coords, err := l.coordinates(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(hourly))
		for _, h := range hourly {
			hour := h.Hour
			row := Row{
				Location:     h.Location,
				Latitude:     coords[h.Location].lat,
				Longitude:    coords[h.Location].lon,
				Date:         h.Date,
				Hour:         &hour,
				AQIValue:     h.AvgAQI,
				TrafficLevel: h.AvgTraffic,
				IsPeakHour:   h.IsPeakHour,
			}
			if h.AvgAQI != nil {
				c := types.CategoryForAQI(int(*h.AvgAQI))
				row.AQICategory = &c
			}
			rows = append(rows, row)
		}
		return &UnifiedView{Source: SourceBatch, Rows: rows}, nil
	}

	raw, err := l.store.FetchLatestRawPerLocation(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading raw tier")
	}
	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		t := r.Timestamp
		rows = append(rows, Row{
			Location:     r.Location,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			Timestamp:    &t,
			AQIValue:     intToFloat(r.AQIValue),
			AQICategory:  (*types.AQICategory)(r.AQICategory),
			TrafficLevel: intToFloat(r.TrafficLevel),
			IsPeakHour:   r.IsPeakHour,
		})
	}
	return &UnifiedView{Source: SourceRaw, Rows: rows}, nil
}

type latLon struct {
	lat, lon float64
}

// coordinates returns the last known coordinates per location from the raw
// log. Hourly aggregates carry no coordinates of their own.
func (l *Layer) coordinates(ctx context.Context) (map[string]latLon, error) {
	raw, err := l.store.FetchLatestRawPerLocation(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading coordinates from raw log")
	}
	rv := make(map[string]latLon, len(raw))
	for _, r := range raw {
		rv[r.Location] = latLon{lat: r.Latitude, lon: r.Longitude}
	}
	return rv, nil
}

// HourlySeries returns the hourly aggregations covering the last days local
// calendar days, today included, sorted by (location, date, hour).
func (l *Layer) HourlySeries(ctx context.Context, days int) ([]schema.HourlyRow, error) {
	if days < 1 {
		return nil, errors.Errorf("days must be at least 1, got %d", days)
	}
	ts := now.Now(ctx)
	oldest, _ := types.LocalDateHour(ts.AddDate(0, 0, -(days-1)), l.cfg.LocalOffsetHours)
	return l.store.FetchHourly(ctx, oldest)
}

// PeakSummary returns the peak-hour summary for the local date, or nil if no
// analysis exists for it.
func (l *Layer) PeakSummary(ctx context.Context, date string) (*schema.PeakHourRow, error) {
	if _, err := time.Parse(types.DateFormat, date); err != nil {
		return nil, errors.Wrapf(err, "parsing date %q", date)
	}
	return l.store.FetchPeakSummary(ctx, date)
}

// RecentAggregates summarizes the active real-time rows of the retention
// window per location.
func (l *Layer) RecentAggregates(ctx context.Context) ([]RecentSummary, error) {
	oldest := now.Now(ctx).UTC().Add(-l.cfg.RealtimeRetention)
	rows, err := l.store.FetchRecentRealtime(ctx, oldest)
	if err != nil {
		return nil, errors.Wrap(err, "reading realtime rows")
	}
	accum := map[string]*recentAccum{}
	order := []string{}
	for _, r := range rows {
		a, ok := accum[r.Location]
		if !ok {
			a = &recentAccum{}
			accum[r.Location] = a
			order = append(order, r.Location)
		}
		a.add(r)
	}
	sort.Strings(order)
	rv := make([]RecentSummary, 0, len(order))
	for _, location := range order {
		rv = append(rv, accum[location].summary(location))
	}
	return rv, nil
}

type recentAccum struct {
	aqiSum, trafficSum float64
	aqiN, trafficN     int64
	maxAQI, maxTraffic int
	count              int64
}

func (a *recentAccum) add(r schema.RealtimeRow) {
	if r.AQIValue != nil {
		if a.aqiN == 0 || *r.AQIValue > a.maxAQI {
			a.maxAQI = *r.AQIValue
		}
		a.aqiSum += float64(*r.AQIValue)
		a.aqiN++
	}
	if r.TrafficLevel != nil {
		if a.trafficN == 0 || *r.TrafficLevel > a.maxTraffic {
			a.maxTraffic = *r.TrafficLevel
		}
		a.trafficSum += float64(*r.TrafficLevel)
		a.trafficN++
	}
	a.count++
}

func (a *recentAccum) summary(location string) RecentSummary {
	s := RecentSummary{Location: location, Count: a.count}
	if a.aqiN > 0 {
		avg := a.aqiSum / float64(a.aqiN)
		max := a.maxAQI
		s.AvgAQI, s.MaxAQI = &avg, &max
	}
	if a.trafficN > 0 {
		avg := a.trafficSum / float64(a.trafficN)
		max := a.maxTraffic
		s.AvgTraffic, s.MaxTraffic = &avg, &max
	}
	return s
}

func intToFloat(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}
