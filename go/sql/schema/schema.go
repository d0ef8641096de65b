// Package schema defines the six logical tables of the pipeline and the Go
// structs their rows scan into.
//
// Conventions: timestamp columns are TIMESTAMPTZ and always hold UTC instants.
// date and hour columns hold LOCAL calendar values (UTC plus the configured
// fixed offset); they exist only as aggregation keys. Migration is additive,
// columns are never renamed.
package schema

import "time"

// Schema is the DDL for all tables. Every statement is idempotent so the
// pipeline can apply it at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS raw_data (
	timestamp TIMESTAMPTZ NOT NULL,
	location TEXT NOT NULL,
	latitude FLOAT8 NOT NULL,
	longitude FLOAT8 NOT NULL,
	aqi_value INT,
	aqi_category TEXT,
	traffic_level INT,
	is_peak_hour BOOL NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS raw_data_by_time ON raw_data (timestamp);
CREATE INDEX IF NOT EXISTS raw_data_by_location_time ON raw_data (location, timestamp DESC);

CREATE TABLE IF NOT EXISTS realtime_data (
	timestamp TIMESTAMPTZ NOT NULL,
	location TEXT NOT NULL,
	latitude FLOAT8 NOT NULL,
	longitude FLOAT8 NOT NULL,
	aqi_value INT,
	aqi_category TEXT,
	traffic_level INT,
	is_peak_hour BOOL NOT NULL DEFAULT FALSE,
	processing_timestamp TIMESTAMPTZ NOT NULL,
	is_active BOOL NOT NULL DEFAULT TRUE,
	PRIMARY KEY (location, timestamp)
);
CREATE INDEX IF NOT EXISTS realtime_data_by_time ON realtime_data (timestamp DESC);

CREATE TABLE IF NOT EXISTS hourly_aggregations (
	date DATE NOT NULL,
	hour INT NOT NULL,
	location TEXT NOT NULL,
	avg_traffic_level FLOAT8,
	traffic_count INT NOT NULL DEFAULT 0,
	avg_aqi_value FLOAT8,
	aqi_count INT NOT NULL DEFAULT 0,
	total_records INT NOT NULL DEFAULT 0,
	is_peak_hour BOOL NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (date, hour, location)
);

CREATE TABLE IF NOT EXISTS daily_aggregations (
	date DATE NOT NULL,
	location TEXT NOT NULL,
	hour INT,
	avg_aqi FLOAT8,
	min_aqi INT,
	max_aqi INT,
	avg_traffic FLOAT8,
	min_traffic INT,
	max_traffic INT,
	data_points_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (date, location)
);

CREATE TABLE IF NOT EXISTS peak_hours (
	analysis_date DATE PRIMARY KEY,
	peak_aqi_hour INT NOT NULL,
	peak_aqi_value FLOAT8 NOT NULL,
	peak_aqi_location TEXT NOT NULL,
	peak_traffic_hour INT NOT NULL,
	peak_traffic_value FLOAT8 NOT NULL,
	peak_traffic_location TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// RawRow is one append-only row of the raw log. It mirrors the bus sample
// with the derived fields included, so batch rebuilds never re-derive.
type RawRow struct {
	Timestamp    time.Time `json:"timestamp"`
	Location     string    `json:"location"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	AQIValue     *int      `json:"aqi_value"`
	AQICategory  *string   `json:"aqi_category"`
	TrafficLevel *int      `json:"traffic_level"`
	IsPeakHour   bool      `json:"is_peak_hour"`
}

// RealtimeRow is one row of the mutable real-time set.
type RealtimeRow struct {
	Timestamp           time.Time `json:"timestamp"`
	Location            string    `json:"location"`
	Latitude            float64   `json:"latitude"`
	Longitude           float64   `json:"longitude"`
	AQIValue            *int      `json:"aqi_value"`
	AQICategory         *string   `json:"aqi_category"`
	TrafficLevel        *int      `json:"traffic_level"`
	IsPeakHour          bool      `json:"is_peak_hour"`
	ProcessingTimestamp time.Time `json:"processing_timestamp"`
	IsActive            bool      `json:"is_active"`
}

// HourlyRow is one row of hourly_aggregations, keyed by (date, hour,
// location). The speed layer updates it incrementally; the batch layer
// overwrites it with authoritative values. Averages are nil until the first
// record carrying that metric arrives; TrafficCount and AQICount track how
// many records contributed to each average.
type HourlyRow struct {
	Date         string    `json:"date"`
	Hour         int       `json:"hour"`
	Location     string    `json:"location"`
	AvgTraffic   *float64  `json:"avg_traffic_level"`
	TrafficCount int64     `json:"traffic_count"`
	AvgAQI       *float64  `json:"avg_aqi_value"`
	AQICount     int64     `json:"aqi_count"`
	TotalRecords int64     `json:"total_records"`
	IsPeakHour   bool      `json:"is_peak_hour"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DailyRow is one row of daily_aggregations, keyed by (date, location). Hour
// is kept nullable for additive compatibility and is always nil for rows the
// daily job writes.
type DailyRow struct {
	Date            string   `json:"date"`
	Location        string   `json:"location"`
	Hour            *int     `json:"hour"`
	AvgAQI          *float64 `json:"avg_aqi"`
	MinAQI          *int     `json:"min_aqi"`
	MaxAQI          *int     `json:"max_aqi"`
	AvgTraffic      *float64 `json:"avg_traffic"`
	MinTraffic      *int     `json:"min_traffic"`
	MaxTraffic      *int     `json:"max_traffic"`
	DataPointsCount int64    `json:"data_points_count"`
}

// PeakHourRow is the per-day summary naming the hour and location with the
// highest average AQI and the highest average traffic level.
type PeakHourRow struct {
	AnalysisDate        string  `json:"analysis_date"`
	PeakAQIHour         int     `json:"peak_aqi_hour"`
	PeakAQIValue        float64 `json:"peak_aqi_value"`
	PeakAQILocation     string  `json:"peak_aqi_location"`
	PeakTrafficHour     int     `json:"peak_traffic_hour"`
	PeakTrafficValue    float64 `json:"peak_traffic_value"`
	PeakTrafficLocation string  `json:"peak_traffic_location"`
}
