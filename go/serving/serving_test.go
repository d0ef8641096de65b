package serving

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/now"
	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/store/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		LocalOffsetHours:  7,
		RealtimeRetention: time.Hour,
	}
}

func intPtr(v int) *int {
	return &v
}

var serveNow = time.Date(2025, 8, 20, 2, 0, 0, 0, time.UTC)

func seedRealtime(t *testing.T, st *memory.Store, ts time.Time) {
	_, err := st.UpsertRealtime(context.Background(), schema.RealtimeRow{
		Timestamp:    ts,
		Location:     "Kemayoran",
		Latitude:     -6.1911,
		Longitude:    106.8491,
		AQIValue:     intPtr(95),
		TrafficLevel: intPtr(3),
	})
	require.NoError(t, err)
}

func seedHourly(t *testing.T, st *memory.Store) {
	avgAQI := 120.0
	avgTraffic := 3.5
	require.NoError(t, st.OverwriteHourly(context.Background(), schema.HourlyRow{
		Date:       "2025-08-20",
		Hour:       8,
		Location:   "Kemayoran",
		AvgAQI:     &avgAQI,
		AvgTraffic: &avgTraffic,
		IsPeakHour: true,
	}))
}

func seedRaw(t *testing.T, st *memory.Store) {
	require.NoError(t, st.AppendRaw(context.Background(), schema.RawRow{
		Timestamp: serveNow.Add(-3 * time.Hour),
		Location:  "Kemayoran",
		Latitude:  -6.1911,
		Longitude: 106.8491,
		AQIValue:  intPtr(88),
	}))
}

func TestUnifiedView_SpeedTierWhenRealtimeIsFresh(t *testing.T) {
	st := memory.New()
	seedRealtime(t, st, serveNow.Add(-10*time.Minute))
	seedHourly(t, st)
	seedRaw(t, st)

	ctx := now.TimeTravelingContext(serveNow)
	view, err := New(testConfig(), st).UnifiedView(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SourceSpeed, view.Source)
	require.Len(t, view.Rows, 1)
	row := view.Rows[0]
	assert.Equal(t, "Kemayoran", row.Location)
	require.NotNil(t, row.Timestamp)
	require.NotNil(t, row.AQIValue)
	assert.InDelta(t, 95.0, *row.AQIValue, 1e-9)
}

func TestUnifiedView_FallsBackToBatchTier(t *testing.T) {
	st := memory.New()
	seedHourly(t, st)
	seedRaw(t, st)

	ctx := now.TimeTravelingContext(serveNow)
	view, err := New(testConfig(), st).UnifiedView(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SourceBatch, view.Source)
	require.Len(t, view.Rows, 1)
	row := view.Rows[0]
	assert.Equal(t, "2025-08-20", row.Date)
	require.NotNil(t, row.Hour)
	assert.Equal(t, 8, *row.Hour)
	require.NotNil(t, row.AQIValue)
	assert.InDelta(t, 120.0, *row.AQIValue, 1e-9)
	// Coordinates are enriched from the raw log.
	assert.InDelta(t, -6.1911, row.Latitude, 1e-9)
	assert.InDelta(t, 106.8491, row.Longitude, 1e-9)
	// The category is derived from the averaged AQI.
	require.NotNil(t, row.AQICategory)
}

func TestUnifiedView_StaleRealtimeFallsThrough(t *testing.T) {
	st := memory.New()
	// Active realtime rows exist but are older than maxAge.
	seedRealtime(t, st, serveNow.Add(-2*time.Hour))
	seedHourly(t, st)
	seedRaw(t, st)

	ctx := now.TimeTravelingContext(serveNow)
	view, err := New(testConfig(), st).UnifiedView(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SourceBatch, view.Source)
}

func TestUnifiedView_RawTierLast(t *testing.T) {
	st := memory.New()
	seedRaw(t, st)

	ctx := now.TimeTravelingContext(serveNow)
	view, err := New(testConfig(), st).UnifiedView(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SourceRaw, view.Source)
	require.Len(t, view.Rows, 1)
	require.NotNil(t, view.Rows[0].AQIValue)
	assert.InDelta(t, 88.0, *view.Rows[0].AQIValue, 1e-9)
}

func TestUnifiedView_EmptyStoreIsEmptyRawTier(t *testing.T) {
	ctx := now.TimeTravelingContext(serveNow)
	view, err := New(testConfig(), memory.New()).UnifiedView(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SourceRaw, view.Source)
	assert.Empty(t, view.Rows)
}

func TestRecentAggregates(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	for i, aqi := range []int{90, 110} {
		_, err := st.UpsertRealtime(ctx, schema.RealtimeRow{
			Timestamp:    serveNow.Add(time.Duration(-i) * time.Minute),
			Location:     "Kemayoran",
			AQIValue:     intPtr(aqi),
			TrafficLevel: intPtr(i + 2),
		})
		require.NoError(t, err)
	}

	rows, err := New(testConfig(), st).RecentAggregates(now.TimeTravelingContext(serveNow))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Kemayoran", rows[0].Location)
	assert.InDelta(t, 100.0, *rows[0].AvgAQI, 1e-9)
	assert.Equal(t, 110, *rows[0].MaxAQI)
	assert.Equal(t, 3, *rows[0].MaxTraffic)
	assert.EqualValues(t, 2, rows[0].Count)
}

func TestHourlySeries_OldestDateFromDays(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	for _, date := range []string{"2025-08-17", "2025-08-19", "2025-08-20"} {
		require.NoError(t, st.OverwriteHourly(ctx, schema.HourlyRow{Date: date, Hour: 8, Location: "Kemayoran"}))
	}

	rows, err := New(testConfig(), st).HourlySeries(now.TimeTravelingContext(serveNow), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-08-19", rows[0].Date)
	assert.Equal(t, "2025-08-20", rows[1].Date)

	_, err = New(testConfig(), st).HourlySeries(context.Background(), 0)
	assert.Error(t, err)
}

// unavailableStore simulates a database outage on every read.
type unavailableStore struct {
	*memory.Store
}

func (u *unavailableStore) FetchRecentRealtime(_ context.Context, _ time.Time) ([]schema.RealtimeRow, error) {
	return nil, errors.Wrap(store.ErrUnavailable, "connection refused")
}

func TestHandlers(t *testing.T) {
	st := memory.New()
	// Handlers run against the wall clock, so seed relative to it.
	seedRealtime(t, st, time.Now().UTC().Add(-10*time.Minute))
	layer := New(testConfig(), st)
	srv := httptest.NewServer(layer.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/json/v1/unified")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var view UnifiedView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, SourceSpeed, view.Source)
	require.Len(t, view.Rows, 1)

	resp, err = http.Get(srv.URL + "/json/v1/hourly?days=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/json/v1/peak?date=20-08-2025")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlers_StoreUnavailableIs503(t *testing.T) {
	layer := New(testConfig(), &unavailableStore{Store: memory.New()})
	srv := httptest.NewServer(layer.Router())
	defer srv.Close()

	for _, path := range []string{"/json/v1/unified", "/json/v1/recent"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}
