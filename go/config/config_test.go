package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, c.PollInterval)
	assert.Equal(t, 10*time.Second, c.UpstreamTimeout)
	assert.Equal(t, 32, c.FanoutConcurrency)
	assert.Equal(t, time.Hour, c.RealtimeRetention)
	assert.Equal(t, time.Minute, c.RealtimeEvictionInterval)
	assert.Equal(t, 5, c.BatchHourlyMinute)
	assert.Equal(t, 2, c.BatchDailyHourLocal)
	assert.Equal(t, 3, c.BatchPeakHourLocal)
	assert.Equal(t, 7, c.LocalOffsetHours)
	assert.Equal(t, []int{6, 7, 8, 9, 16, 17, 18, 19}, c.PeakHoursSorted())
	assert.Equal(t, "traffic-aqi-data", c.BusTopic)
	assert.Equal(t, "traffic-aqi-data-speed-layer", c.BusSubscription)
	assert.Equal(t, DefaultLocations, c.Locations)
}

func TestLoad_PeakHoursOverride(t *testing.T) {
	t.Setenv("PEAK_HOURS_LOCAL", "7, 8,17")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8, 17}, c.PeakHoursSorted())
	assert.True(t, c.PeakHoursLocal[17])
	assert.False(t, c.PeakHoursLocal[6])
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL_SECONDS", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_NegativeInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL_SECONDS", "-5")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_DailyAndPeakHoursMustDiffer(t *testing.T) {
	// The daily job wins scheduler ties, so a shared hour would never run the
	// peak job.
	t.Setenv("BATCH_DAILY_HOUR_LOCAL", "4")
	t.Setenv("BATCH_PEAK_HOUR_LOCAL", "4")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_PeakHourOutOfRange(t *testing.T) {
	t.Setenv("PEAK_HOURS_LOCAL", "6,24")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadLocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.json5")
	// JSON5: comments and trailing commas are allowed.
	body := `[
	// Central Jakarta.
	{"name": "Kemayoran", "latitude": -6.1911, "longitude": 106.8491, "aqi_station_id": "@8294"},
	{"name": "Cinere", "latitude": -6.3498, "longitude": 106.7782},
]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	locs, err := LoadLocations(path)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, "Kemayoran", locs[0].Name)
	assert.Equal(t, "@8294", locs[0].AQIStationID)
	assert.Empty(t, locs[1].AQIStationID)
}

func TestLoadLocations_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.json5")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name": "", "latitude": 0, "longitude": 0}]`), 0644))
	_, err := LoadLocations(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0644))
	_, err = LoadLocations(path)
	assert.Error(t, err)

	_, err = LoadLocations(filepath.Join(t.TempDir(), "missing.json5"))
	assert.Error(t, err)
}
