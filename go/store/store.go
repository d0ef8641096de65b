// Package store defines the narrow persistence operations the pipeline needs,
// grouped by table. The pipeline exclusively owns writes; the serving layer
// only ever reads.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/urbanpulse/pipeline/go/sql/schema"
)

// ErrUnavailable wraps transport-level store failures. Callers retry with
// backoff; writes that cannot be persisted after the retry cap fail the
// enclosing task. Match with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// HourlyDelta is one sample's contribution to an hourly aggregation row. A nil
// metric leaves that running average and its count untouched.
type HourlyDelta struct {
	Date     string
	Hour     int
	Location string
	Traffic  *int
	AQI      *int
	// IsPeakHour is derived from Hour by the caller.
	IsPeakHour bool
}

// Store is the persistence contract shared by the SQL implementation and the
// in-memory implementation used in tests.
type Store interface {
	// AppendRaw inserts one row into the append-only raw log. Duplicate
	// (timestamp, location) pairs are permitted.
	AppendRaw(ctx context.Context, row schema.RawRow) error

	// UpsertRealtime inserts the row, overwriting any existing row with the
	// same (location, timestamp). It reports whether a new row was inserted,
	// which the speed layer uses to guard hourly counts against duplicate
	// delivery.
	UpsertRealtime(ctx context.Context, row schema.RealtimeRow) (bool, error)

	// EvictStaleRealtime marks rows with processing_timestamp before cutoff
	// as inactive and returns how many rows it flipped. Retention is measured
	// from when the speed layer processed a sample, not when it was observed,
	// so redelivered old samples still get their full retention. Physical
	// deletion is a separate maintenance concern.
	EvictStaleRealtime(ctx context.Context, cutoff time.Time) (int64, error)

	// UpsertHourly applies one sample's delta to the (date, hour, location)
	// row, creating it if needed. Running averages use per-metric counts.
	UpsertHourly(ctx context.Context, d HourlyDelta) error

	// OverwriteHourly replaces the row wholesale with batch-computed values.
	OverwriteHourly(ctx context.Context, row schema.HourlyRow) error

	// WriteDaily idempotently upserts a daily aggregation keyed by
	// (date, location).
	WriteDaily(ctx context.Context, row schema.DailyRow) error

	// WritePeak idempotently upserts the peak summary keyed by analysis_date.
	WritePeak(ctx context.Context, row schema.PeakHourRow) error

	// FetchRecentRealtime returns active realtime rows with timestamp at or
	// after oldest, newest first.
	FetchRecentRealtime(ctx context.Context, oldest time.Time) ([]schema.RealtimeRow, error)

	// FetchHourly returns hourly rows with date at or after oldestDate,
	// sorted by (location, date, hour).
	FetchHourly(ctx context.Context, oldestDate string) ([]schema.HourlyRow, error)

	// FetchHourlyForDate returns all hourly rows for one local date.
	FetchHourlyForDate(ctx context.Context, date string) ([]schema.HourlyRow, error)

	// FetchLatestHourlyPerLocation returns, for each location, its most
	// recent hourly row.
	FetchLatestHourlyPerLocation(ctx context.Context) ([]schema.HourlyRow, error)

	// FetchPeakSummary returns the peak summary for the date, or nil if none
	// exists.
	FetchPeakSummary(ctx context.Context, date string) (*schema.PeakHourRow, error)

	// FetchRawBetween returns raw rows with from <= timestamp < to.
	FetchRawBetween(ctx context.Context, from, to time.Time) ([]schema.RawRow, error)

	// FetchLatestRawPerLocation returns, for each location, its most recent
	// raw row.
	FetchLatestRawPerLocation(ctx context.Context) ([]schema.RawRow, error)

	// Ping reports whether the store is usable. Used by readiness checks.
	Ping(ctx context.Context) error
}
