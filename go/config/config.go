// Package config loads the environment-driven configuration shared by the
// pipeline services, plus the static list of monitored locations from an
// optional JSON5 file.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flynn/json5"
	"github.com/pkg/errors"
)

// Location is one monitored geographic point. The set of locations is static
// for the lifetime of the pipeline.
type Location struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// AQIStationID optionally pins the air-quality feed to a fixed upstream
	// station. When empty the feed is queried by coordinates.
	AQIStationID string `json:"aqi_station_id"`
}

// DefaultLocations is the Jakarta monitoring set used when no locations file
// is configured.
var DefaultLocations = []Location{
	{Name: "Kebon Sirih", Latitude: -6.1861, Longitude: 106.8236, AQIStationID: "A521365"},
	{Name: "Krukut", Latitude: -6.1593, Longitude: 106.8180, AQIStationID: "A495982"},
	{Name: "GBK, Gelora", Latitude: -6.2154, Longitude: 106.8030, AQIStationID: "A416842"},
	{Name: "Jakarta Timur Kebon Nanas", Latitude: -6.2338, Longitude: 106.8769, AQIStationID: "A531565"},
	{Name: "Tangerang Benteng Betawi", Latitude: -6.1756, Longitude: 106.6449, AQIStationID: "A515938"},
	{Name: "Kedoya Utara", Latitude: -6.1714, Longitude: 106.7622, AQIStationID: "A521380"},
	{Name: "Grogol Utara", Latitude: -6.2224, Longitude: 106.7883, AQIStationID: "A570235"},
	{Name: "Gunung", Latitude: -6.2373, Longitude: 106.7861, AQIStationID: "A537937"},
	{Name: "Cinere", Latitude: -6.3498, Longitude: 106.7782, AQIStationID: "A511573"},
	{Name: "Kemayoran", Latitude: -6.1911, Longitude: 106.8491, AQIStationID: "@8294"},
}

// Config collects every tunable of the pipeline. All values come from the
// environment; see the Load* helpers for the variable names and defaults.
type Config struct {
	// Ingestion.
	PollInterval      time.Duration
	UpstreamTimeout   time.Duration
	FanoutConcurrency int
	Locations         []Location

	// Speed layer.
	RealtimeRetention        time.Duration
	RealtimeEvictionInterval time.Duration

	// Batch layer, all in local time.
	BatchHourlyMinute   int
	BatchDailyHourLocal int
	BatchPeakHourLocal  int

	// Local-time model.
	LocalOffsetHours int
	PeakHoursLocal   map[int]bool

	// Connections.
	DatabaseURL     string
	PubSubProject   string
	BusTopic        string
	BusSubscription string

	// Upstream feeds.
	TomTomAPIKey string
	TomTomURL    string
	AQICNToken   string
	AQICNURL     string

	// Serving and operational surface.
	ServingPort string
	PromPort    string

	// Shutdown behavior.
	ShutdownGrace    time.Duration
	ShutdownDeadline time.Duration
}

// Load builds a Config from the environment. Malformed values are an error;
// callers treat that as fatal. Presence of connection strings is checked by
// each service for the adapters it actually uses.
func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		PubSubProject: os.Getenv("PUBSUB_PROJECT"),
		TomTomAPIKey:  os.Getenv("TOMTOM_API_KEY"),
		AQICNToken:    os.Getenv("AQICN_TOKEN"),
		TomTomURL:     envString("TOMTOM_URL", "https://api.tomtom.com/traffic/services/4/flowSegmentData/absolute/10/json"),
		AQICNURL:      envString("AQICN_URL", "https://api.waqi.info/feed"),
		BusTopic:      envString("BUS_TOPIC", "traffic-aqi-data"),
		ServingPort:   envString("SERVING_PORT", ":8000"),
		PromPort:      envString("PROM_PORT", ":20000"),
	}
	c.BusSubscription = envString("BUS_SUBSCRIPTION", c.BusTopic+"-speed-layer")

	var err error
	if c.PollInterval, err = envSeconds("POLL_INTERVAL_SECONDS", 15); err != nil {
		return nil, err
	}
	if c.UpstreamTimeout, err = envSeconds("UPSTREAM_TIMEOUT_SECONDS", 10); err != nil {
		return nil, err
	}
	if c.FanoutConcurrency, err = envInt("FANOUT_CONCURRENCY", 32); err != nil {
		return nil, err
	}
	if c.RealtimeRetention, err = envSeconds("REALTIME_RETENTION_SECONDS", 3600); err != nil {
		return nil, err
	}
	if c.RealtimeEvictionInterval, err = envSeconds("REALTIME_EVICTION_INTERVAL_SECONDS", 60); err != nil {
		return nil, err
	}
	if c.BatchHourlyMinute, err = envInt("BATCH_HOURLY_MINUTE", 5); err != nil {
		return nil, err
	}
	if c.BatchDailyHourLocal, err = envInt("BATCH_DAILY_HOUR_LOCAL", 2); err != nil {
		return nil, err
	}
	if c.BatchPeakHourLocal, err = envInt("BATCH_PEAK_HOUR_LOCAL", 3); err != nil {
		return nil, err
	}
	if c.LocalOffsetHours, err = envInt("LOCAL_OFFSET_HOURS", 7); err != nil {
		return nil, err
	}
	if c.PeakHoursLocal, err = envHourSet("PEAK_HOURS_LOCAL", []int{6, 7, 8, 9, 16, 17, 18, 19}); err != nil {
		return nil, err
	}
	if c.ShutdownGrace, err = envSeconds("SHUTDOWN_GRACE_SECONDS", 30); err != nil {
		return nil, err
	}
	if c.ShutdownDeadline, err = envSeconds("SHUTDOWN_DEADLINE_SECONDS", 60); err != nil {
		return nil, err
	}

	if c.FanoutConcurrency < 1 {
		return nil, errors.New("FANOUT_CONCURRENCY must be at least 1")
	}
	if c.BatchHourlyMinute < 0 || c.BatchHourlyMinute > 59 {
		return nil, errors.New("BATCH_HOURLY_MINUTE must be in 0..59")
	}
	if c.BatchDailyHourLocal < 0 || c.BatchDailyHourLocal > 23 || c.BatchPeakHourLocal < 0 || c.BatchPeakHourLocal > 23 {
		return nil, errors.New("batch job hours must be in 0..23")
	}
	// The scheduler breaks trigger ties in favor of the daily job, so sharing
	// an hour would starve the peak job entirely.
	if c.BatchDailyHourLocal == c.BatchPeakHourLocal {
		return nil, errors.New("BATCH_DAILY_HOUR_LOCAL and BATCH_PEAK_HOUR_LOCAL must differ")
	}

	if file := os.Getenv("LOCATIONS_FILE"); file != "" {
		if c.Locations, err = LoadLocations(file); err != nil {
			return nil, err
		}
	} else {
		c.Locations = DefaultLocations
	}
	return c, nil
}

// LoadLocations reads the monitored location set from a JSON5 file.
func LoadLocations(path string) ([]Location, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading locations file %s", path)
	}
	var locs []Location
	if err := json5.Unmarshal(b, &locs); err != nil {
		return nil, errors.Wrapf(err, "parsing locations file %s", path)
	}
	if len(locs) == 0 {
		return nil, errors.Errorf("locations file %s lists no locations", path)
	}
	for _, l := range locs {
		if l.Name == "" {
			return nil, errors.Errorf("locations file %s has a location without a name", path)
		}
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			return nil, errors.Errorf("location %q has out-of-range coordinates", l.Name)
		}
	}
	return locs, nil
}

// PeakHoursSorted returns the configured peak hours in ascending order.
// Mostly useful for logging.
func (c *Config) PeakHoursSorted() []int {
	hours := make([]int, 0, len(c.PeakHoursLocal))
	for h := range c.PeakHoursLocal {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return i, nil
}

func envSeconds(key string, fallback int) (time.Duration, error) {
	i, err := envInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if i <= 0 {
		return 0, errors.Errorf("%s must be positive", key)
	}
	return time.Duration(i) * time.Second, nil
}

// envHourSet parses a comma-separated list of hours, e.g. "6,7,8,9,16,17,18,19".
func envHourSet(key string, fallback []int) (map[int]bool, error) {
	hours := fallback
	if v := os.Getenv(key); v != "" {
		hours = nil
		for _, part := range strings.Split(v, ",") {
			h, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %s", key)
			}
			if h < 0 || h > 23 {
				return nil, errors.Errorf("%s: hour %d out of range", key, h)
			}
			hours = append(hours, h)
		}
	}
	set := make(map[int]bool, len(hours))
	for _, h := range hours {
		set[h] = true
	}
	return set, nil
}
