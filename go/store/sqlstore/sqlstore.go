// Package sqlstore contains the SQL implementation of store.Store on top of
// CockroachDB/Postgres via pgx.
package sqlstore

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/types"
)

// maxPoolConns bounds the connection pool of each service instance. The
// pipeline's write paths are single-flight per partition, so a small pool
// suffices.
const maxPoolConns = 8

// SQLStore implements store.Store.
type SQLStore struct {
	db *pgxpool.Pool
}

// New returns an SQLStore backed by the given pool.
func New(db *pgxpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

// NewPool connects to the database at the given URL.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	conf, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing database URL")
	}
	conf.MaxConns = maxPoolConns
	db, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		return nil, errors.Wrap(store.ErrUnavailable, err.Error())
	}
	return db, nil
}

// ApplySchema creates any missing tables and indexes. All DDL is idempotent.
func ApplySchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema.Schema); err != nil {
		return classify(err)
	}
	plog.Info("Database schema is up to date")
	return nil
}

// classify wraps transport-level failures in store.ErrUnavailable so callers
// can tell them from statement errors. Anything the server itself rejected
// arrives as a *pgconn.PgError and is passed through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return errors.WithStack(err)
	}
	return errors.Wrap(store.ErrUnavailable, err.Error())
}

func civilDate(d string) (time.Time, error) {
	t, err := time.Parse(types.DateFormat, d)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid date key %q", d)
	}
	return t, nil
}

// AppendRaw implements store.Store.
func (s *SQLStore) AppendRaw(ctx context.Context, row schema.RawRow) error {
	const statement = `
INSERT INTO raw_data (timestamp, location, latitude, longitude, aqi_value, aqi_category, traffic_level, is_peak_hour)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, statement,
		row.Timestamp, row.Location, row.Latitude, row.Longitude,
		row.AQIValue, row.AQICategory, row.TrafficLevel, row.IsPeakHour)
	return classify(err)
}

// UpsertRealtime implements store.Store.
func (s *SQLStore) UpsertRealtime(ctx context.Context, row schema.RealtimeRow) (bool, error) {
	inserted := false
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// The transaction may be retried; start each attempt clean.
		inserted = false
		tag, err := tx.Exec(ctx, `
UPDATE realtime_data
SET latitude = $3, longitude = $4, aqi_value = $5, aqi_category = $6,
	traffic_level = $7, is_peak_hour = $8, processing_timestamp = $9, is_active = TRUE
WHERE location = $1 AND timestamp = $2`,
			row.Location, row.Timestamp, row.Latitude, row.Longitude,
			row.AQIValue, row.AQICategory, row.TrafficLevel, row.IsPeakHour,
			row.ProcessingTimestamp)
		if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
INSERT INTO realtime_data (timestamp, location, latitude, longitude, aqi_value, aqi_category, traffic_level, is_peak_hour, processing_timestamp, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)`,
			row.Timestamp, row.Location, row.Latitude, row.Longitude,
			row.AQIValue, row.AQICategory, row.TrafficLevel, row.IsPeakHour,
			row.ProcessingTimestamp)
		if err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, classify(err)
	}
	return inserted, nil
}

// EvictStaleRealtime implements store.Store.
func (s *SQLStore) EvictStaleRealtime(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE realtime_data SET is_active = FALSE
WHERE processing_timestamp < $1 AND is_active = TRUE`, cutoff)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// UpsertHourly implements store.Store. The running averages use per-metric
// counts so an absent metric leaves its average untouched.
func (s *SQLStore) UpsertHourly(ctx context.Context, d store.HourlyDelta) error {
	date, err := civilDate(d.Date)
	if err != nil {
		return err
	}
	var trafficVal, aqiVal *float64
	trafficCount, aqiCount := 0, 0
	if d.Traffic != nil {
		v := float64(*d.Traffic)
		trafficVal, trafficCount = &v, 1
	}
	if d.AQI != nil {
		v := float64(*d.AQI)
		aqiVal, aqiCount = &v, 1
	}
	const statement = `
INSERT INTO hourly_aggregations AS h
	(date, hour, location, avg_traffic_level, traffic_count, avg_aqi_value, aqi_count, total_records, is_peak_hour, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, now())
ON CONFLICT (date, hour, location) DO UPDATE SET
	avg_traffic_level = CASE WHEN EXCLUDED.traffic_count = 0 THEN h.avg_traffic_level
		ELSE (COALESCE(h.avg_traffic_level, 0) * h.traffic_count + EXCLUDED.avg_traffic_level) / (h.traffic_count + 1) END,
	traffic_count = h.traffic_count + EXCLUDED.traffic_count,
	avg_aqi_value = CASE WHEN EXCLUDED.aqi_count = 0 THEN h.avg_aqi_value
		ELSE (COALESCE(h.avg_aqi_value, 0) * h.aqi_count + EXCLUDED.avg_aqi_value) / (h.aqi_count + 1) END,
	aqi_count = h.aqi_count + EXCLUDED.aqi_count,
	total_records = h.total_records + 1,
	updated_at = now()`
	_, err = s.db.Exec(ctx, statement,
		date, d.Hour, d.Location, trafficVal, trafficCount, aqiVal, aqiCount, d.IsPeakHour)
	return classify(err)
}

// OverwriteHourly implements store.Store. Batch values are authoritative and
// replace whatever the speed layer accumulated.
func (s *SQLStore) OverwriteHourly(ctx context.Context, row schema.HourlyRow) error {
	date, err := civilDate(row.Date)
	if err != nil {
		return err
	}
	const statement = `
INSERT INTO hourly_aggregations
	(date, hour, location, avg_traffic_level, traffic_count, avg_aqi_value, aqi_count, total_records, is_peak_hour, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (date, hour, location) DO UPDATE SET
	avg_traffic_level = EXCLUDED.avg_traffic_level,
	traffic_count = EXCLUDED.traffic_count,
	avg_aqi_value = EXCLUDED.avg_aqi_value,
	aqi_count = EXCLUDED.aqi_count,
	total_records = EXCLUDED.total_records,
	is_peak_hour = EXCLUDED.is_peak_hour,
	updated_at = now()`
	_, err = s.db.Exec(ctx, statement,
		date, row.Hour, row.Location, row.AvgTraffic, row.TrafficCount,
		row.AvgAQI, row.AQICount, row.TotalRecords, row.IsPeakHour)
	return classify(err)
}

// WriteDaily implements store.Store.
func (s *SQLStore) WriteDaily(ctx context.Context, row schema.DailyRow) error {
	date, err := civilDate(row.Date)
	if err != nil {
		return err
	}
	const statement = `
INSERT INTO daily_aggregations
	(date, location, hour, avg_aqi, min_aqi, max_aqi, avg_traffic, min_traffic, max_traffic, data_points_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (date, location) DO UPDATE SET
	hour = EXCLUDED.hour,
	avg_aqi = EXCLUDED.avg_aqi,
	min_aqi = EXCLUDED.min_aqi,
	max_aqi = EXCLUDED.max_aqi,
	avg_traffic = EXCLUDED.avg_traffic,
	min_traffic = EXCLUDED.min_traffic,
	max_traffic = EXCLUDED.max_traffic,
	data_points_count = EXCLUDED.data_points_count,
	created_at = now()`
	_, err = s.db.Exec(ctx, statement,
		date, row.Location, row.Hour, row.AvgAQI, row.MinAQI, row.MaxAQI,
		row.AvgTraffic, row.MinTraffic, row.MaxTraffic, row.DataPointsCount)
	return classify(err)
}

// WritePeak implements store.Store.
func (s *SQLStore) WritePeak(ctx context.Context, row schema.PeakHourRow) error {
	date, err := civilDate(row.AnalysisDate)
	if err != nil {
		return err
	}
	const statement = `
INSERT INTO peak_hours
	(analysis_date, peak_aqi_hour, peak_aqi_value, peak_aqi_location, peak_traffic_hour, peak_traffic_value, peak_traffic_location, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (analysis_date) DO UPDATE SET
	peak_aqi_hour = EXCLUDED.peak_aqi_hour,
	peak_aqi_value = EXCLUDED.peak_aqi_value,
	peak_aqi_location = EXCLUDED.peak_aqi_location,
	peak_traffic_hour = EXCLUDED.peak_traffic_hour,
	peak_traffic_value = EXCLUDED.peak_traffic_value,
	peak_traffic_location = EXCLUDED.peak_traffic_location,
	created_at = now()`
	_, err = s.db.Exec(ctx, statement,
		date, row.PeakAQIHour, row.PeakAQIValue, row.PeakAQILocation,
		row.PeakTrafficHour, row.PeakTrafficValue, row.PeakTrafficLocation)
	return classify(err)
}

// FetchRecentRealtime implements store.Store.
func (s *SQLStore) FetchRecentRealtime(ctx context.Context, oldest time.Time) ([]schema.RealtimeRow, error) {
	const statement = `
SELECT timestamp, location, latitude, longitude, aqi_value, aqi_category, traffic_level, is_peak_hour, processing_timestamp, is_active
FROM realtime_data
WHERE timestamp >= $1 AND is_active = TRUE
ORDER BY timestamp DESC, location`
	rows, err := s.db.Query(ctx, statement, oldest)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var rv []schema.RealtimeRow
	for rows.Next() {
		var r schema.RealtimeRow
		if err := rows.Scan(&r.Timestamp, &r.Location, &r.Latitude, &r.Longitude,
			&r.AQIValue, &r.AQICategory, &r.TrafficLevel, &r.IsPeakHour,
			&r.ProcessingTimestamp, &r.IsActive); err != nil {
			return nil, classify(err)
		}
		rv = append(rv, r)
	}
	return rv, classify(rows.Err())
}

func (s *SQLStore) queryHourly(ctx context.Context, statement string, args ...interface{}) ([]schema.HourlyRow, error) {
	rows, err := s.db.Query(ctx, statement, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var rv []schema.HourlyRow
	for rows.Next() {
		var r schema.HourlyRow
		var date time.Time
		if err := rows.Scan(&date, &r.Hour, &r.Location, &r.AvgTraffic, &r.TrafficCount,
			&r.AvgAQI, &r.AQICount, &r.TotalRecords, &r.IsPeakHour, &r.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		r.Date = date.Format(types.DateFormat)
		rv = append(rv, r)
	}
	return rv, classify(rows.Err())
}

// FetchHourly implements store.Store.
func (s *SQLStore) FetchHourly(ctx context.Context, oldestDate string) ([]schema.HourlyRow, error) {
	date, err := civilDate(oldestDate)
	if err != nil {
		return nil, err
	}
	const statement = `
SELECT date, hour, location, avg_traffic_level, traffic_count, avg_aqi_value, aqi_count, total_records, is_peak_hour, updated_at
FROM hourly_aggregations
WHERE date >= $1
ORDER BY location, date, hour`
	return s.queryHourly(ctx, statement, date)
}

// FetchHourlyForDate implements store.Store.
func (s *SQLStore) FetchHourlyForDate(ctx context.Context, date string) ([]schema.HourlyRow, error) {
	d, err := civilDate(date)
	if err != nil {
		return nil, err
	}
	const statement = `
SELECT date, hour, location, avg_traffic_level, traffic_count, avg_aqi_value, aqi_count, total_records, is_peak_hour, updated_at
FROM hourly_aggregations
WHERE date = $1
ORDER BY hour, location`
	return s.queryHourly(ctx, statement, d)
}

// FetchLatestHourlyPerLocation implements store.Store.
func (s *SQLStore) FetchLatestHourlyPerLocation(ctx context.Context) ([]schema.HourlyRow, error) {
	const statement = `
SELECT DISTINCT ON (location) date, hour, location, avg_traffic_level, traffic_count, avg_aqi_value, aqi_count, total_records, is_peak_hour, updated_at
FROM hourly_aggregations
ORDER BY location, date DESC, hour DESC`
	return s.queryHourly(ctx, statement)
}

// FetchPeakSummary implements store.Store.
func (s *SQLStore) FetchPeakSummary(ctx context.Context, date string) (*schema.PeakHourRow, error) {
	d, err := civilDate(date)
	if err != nil {
		return nil, err
	}
	const statement = `
SELECT analysis_date, peak_aqi_hour, peak_aqi_value, peak_aqi_location, peak_traffic_hour, peak_traffic_value, peak_traffic_location
FROM peak_hours
WHERE analysis_date = $1`
	var r schema.PeakHourRow
	var analysisDate time.Time
	err = s.db.QueryRow(ctx, statement, d).Scan(&analysisDate, &r.PeakAQIHour, &r.PeakAQIValue,
		&r.PeakAQILocation, &r.PeakTrafficHour, &r.PeakTrafficValue, &r.PeakTrafficLocation)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	r.AnalysisDate = analysisDate.Format(types.DateFormat)
	return &r, nil
}

// FetchRawBetween implements store.Store.
func (s *SQLStore) FetchRawBetween(ctx context.Context, from, to time.Time) ([]schema.RawRow, error) {
	ctx, span := trace.StartSpan(ctx, "sqlstore_fetchRawBetween")
	defer span.End()
	const statement = `
SELECT timestamp, location, latitude, longitude, aqi_value, aqi_category, traffic_level, is_peak_hour
FROM raw_data
WHERE timestamp >= $1 AND timestamp < $2
ORDER BY timestamp`
	return s.queryRaw(ctx, statement, from, to)
}

// FetchLatestRawPerLocation implements store.Store.
func (s *SQLStore) FetchLatestRawPerLocation(ctx context.Context) ([]schema.RawRow, error) {
	const statement = `
SELECT DISTINCT ON (location) timestamp, location, latitude, longitude, aqi_value, aqi_category, traffic_level, is_peak_hour
FROM raw_data
ORDER BY location, timestamp DESC`
	return s.queryRaw(ctx, statement)
}

func (s *SQLStore) queryRaw(ctx context.Context, statement string, args ...interface{}) ([]schema.RawRow, error) {
	rows, err := s.db.Query(ctx, statement, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var rv []schema.RawRow
	for rows.Next() {
		var r schema.RawRow
		if err := rows.Scan(&r.Timestamp, &r.Location, &r.Latitude, &r.Longitude,
			&r.AQIValue, &r.AQICategory, &r.TrafficLevel, &r.IsPeakHour); err != nil {
			return nil, classify(err)
		}
		rv = append(rv, r)
	}
	return rv, classify(rows.Err())
}

// Ping implements store.Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return classify(s.db.Ping(ctx))
}

// Assert we implement the interface.
var _ store.Store = (*SQLStore)(nil)
