// Package memory provides an in-memory implementation of store.Store with the
// same observable semantics as the SQL implementation. It backs unit tests
// and local runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
)

type realtimeKey struct {
	location string
	ts       time.Time
}

type hourlyKey struct {
	date     string
	hour     int
	location string
}

type dailyKey struct {
	date     string
	location string
}

// Store implements store.Store.
type Store struct {
	mtx      sync.RWMutex
	raw      []schema.RawRow
	realtime map[realtimeKey]schema.RealtimeRow
	hourly   map[hourlyKey]schema.HourlyRow
	daily    map[dailyKey]schema.DailyRow
	peak     map[string]schema.PeakHourRow
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		realtime: map[realtimeKey]schema.RealtimeRow{},
		hourly:   map[hourlyKey]schema.HourlyRow{},
		daily:    map[dailyKey]schema.DailyRow{},
		peak:     map[string]schema.PeakHourRow{},
	}
}

// AppendRaw implements store.Store.
func (s *Store) AppendRaw(_ context.Context, row schema.RawRow) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.raw = append(s.raw, row)
	return nil
}

// UpsertRealtime implements store.Store.
func (s *Store) UpsertRealtime(_ context.Context, row schema.RealtimeRow) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	key := realtimeKey{location: row.Location, ts: row.Timestamp}
	_, existed := s.realtime[key]
	row.IsActive = true
	s.realtime[key] = row
	return !existed, nil
}

// EvictStaleRealtime implements store.Store.
func (s *Store) EvictStaleRealtime(_ context.Context, cutoff time.Time) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var n int64
	for key, row := range s.realtime {
		if row.IsActive && row.ProcessingTimestamp.Before(cutoff) {
			row.IsActive = false
			s.realtime[key] = row
			n++
		}
	}
	return n, nil
}

// UpsertHourly implements store.Store.
func (s *Store) UpsertHourly(_ context.Context, d store.HourlyDelta) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	key := hourlyKey{date: d.Date, hour: d.Hour, location: d.Location}
	row, ok := s.hourly[key]
	if !ok {
		row = schema.HourlyRow{
			Date:       d.Date,
			Hour:       d.Hour,
			Location:   d.Location,
			IsPeakHour: d.IsPeakHour,
		}
	}
	if d.Traffic != nil {
		row.AvgTraffic = fold(row.AvgTraffic, row.TrafficCount, float64(*d.Traffic))
		row.TrafficCount++
	}
	if d.AQI != nil {
		row.AvgAQI = fold(row.AvgAQI, row.AQICount, float64(*d.AQI))
		row.AQICount++
	}
	row.TotalRecords++
	row.UpdatedAt = time.Now().UTC()
	s.hourly[key] = row
	return nil
}

// fold applies one value to a running average over n prior values.
func fold(avg *float64, n int64, x float64) *float64 {
	prior := 0.0
	if avg != nil {
		prior = *avg
	}
	next := (prior*float64(n) + x) / float64(n+1)
	return &next
}

// OverwriteHourly implements store.Store.
func (s *Store) OverwriteHourly(_ context.Context, row schema.HourlyRow) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	row.UpdatedAt = time.Now().UTC()
	s.hourly[hourlyKey{date: row.Date, hour: row.Hour, location: row.Location}] = row
	return nil
}

// WriteDaily implements store.Store.
func (s *Store) WriteDaily(_ context.Context, row schema.DailyRow) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.daily[dailyKey{date: row.Date, location: row.Location}] = row
	return nil
}

// WritePeak implements store.Store.
func (s *Store) WritePeak(_ context.Context, row schema.PeakHourRow) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.peak[row.AnalysisDate] = row
	return nil
}

// FetchRecentRealtime implements store.Store.
func (s *Store) FetchRecentRealtime(_ context.Context, oldest time.Time) ([]schema.RealtimeRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var rv []schema.RealtimeRow
	for _, row := range s.realtime {
		if row.IsActive && !row.Timestamp.Before(oldest) {
			rv = append(rv, row)
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if !rv[i].Timestamp.Equal(rv[j].Timestamp) {
			return rv[i].Timestamp.After(rv[j].Timestamp)
		}
		return rv[i].Location < rv[j].Location
	})
	return rv, nil
}

// FetchHourly implements store.Store.
func (s *Store) FetchHourly(_ context.Context, oldestDate string) ([]schema.HourlyRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var rv []schema.HourlyRow
	for _, row := range s.hourly {
		if row.Date >= oldestDate {
			rv = append(rv, row)
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].Location != rv[j].Location {
			return rv[i].Location < rv[j].Location
		}
		if rv[i].Date != rv[j].Date {
			return rv[i].Date < rv[j].Date
		}
		return rv[i].Hour < rv[j].Hour
	})
	return rv, nil
}

// FetchHourlyForDate implements store.Store.
func (s *Store) FetchHourlyForDate(_ context.Context, date string) ([]schema.HourlyRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var rv []schema.HourlyRow
	for _, row := range s.hourly {
		if row.Date == date {
			rv = append(rv, row)
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].Hour != rv[j].Hour {
			return rv[i].Hour < rv[j].Hour
		}
		return rv[i].Location < rv[j].Location
	})
	return rv, nil
}

// FetchLatestHourlyPerLocation implements store.Store.
func (s *Store) FetchLatestHourlyPerLocation(_ context.Context) ([]schema.HourlyRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	latest := map[string]schema.HourlyRow{}
	for _, row := range s.hourly {
		cur, ok := latest[row.Location]
		if !ok || row.Date > cur.Date || (row.Date == cur.Date && row.Hour > cur.Hour) {
			latest[row.Location] = row
		}
	}
	var rv []schema.HourlyRow
	for _, row := range latest {
		rv = append(rv, row)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Location < rv[j].Location })
	return rv, nil
}

// FetchPeakSummary implements store.Store.
func (s *Store) FetchPeakSummary(_ context.Context, date string) (*schema.PeakHourRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	row, ok := s.peak[date]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

// FetchRawBetween implements store.Store.
func (s *Store) FetchRawBetween(_ context.Context, from, to time.Time) ([]schema.RawRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var rv []schema.RawRow
	for _, row := range s.raw {
		if !row.Timestamp.Before(from) && row.Timestamp.Before(to) {
			rv = append(rv, row)
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Timestamp.Before(rv[j].Timestamp) })
	return rv, nil
}

// FetchLatestRawPerLocation implements store.Store.
func (s *Store) FetchLatestRawPerLocation(_ context.Context) ([]schema.RawRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	latest := map[string]schema.RawRow{}
	for _, row := range s.raw {
		cur, ok := latest[row.Location]
		if !ok || row.Timestamp.After(cur.Timestamp) {
			latest[row.Location] = row
		}
	}
	var rv []schema.RawRow
	for _, row := range latest {
		rv = append(rv, row)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Location < rv[j].Location })
	return rv, nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// RawLen returns the number of raw rows. Test helper.
func (s *Store) RawLen() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.raw)
}

// Hourly returns the hourly row for the key, if present. Test helper.
func (s *Store) Hourly(date string, hour int, location string) (schema.HourlyRow, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	row, ok := s.hourly[hourlyKey{date: date, hour: hour, location: location}]
	return row, ok
}

// Daily returns the daily row for the key, if present. Test helper.
func (s *Store) Daily(date, location string) (schema.DailyRow, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	row, ok := s.daily[dailyKey{date: date, location: location}]
	return row, ok
}

// Assert we implement the interface.
var _ store.Store = (*Store)(nil)
