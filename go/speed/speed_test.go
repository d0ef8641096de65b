package speed

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/sql/schema"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/store/memory"
	"github.com/urbanpulse/pipeline/go/types"
)

func testConfig() *config.Config {
	return &config.Config{
		LocalOffsetHours:         7,
		PeakHoursLocal:           map[int]bool{6: true, 7: true, 8: true, 9: true, 16: true, 17: true, 18: true, 19: true},
		RealtimeRetention:        time.Hour,
		RealtimeEvictionInterval: time.Minute,
	}
}

func encodedSample(t *testing.T, aqi, traffic *int) []byte {
	s := types.Sample{
		// 01:30 UTC is 08:30 local, a peak hour.
		Timestamp:    time.Date(2025, 8, 20, 1, 30, 0, 0, time.UTC),
		Location:     "Kemayoran",
		Latitude:     -6.1911,
		Longitude:    106.8491,
		AQIValue:     aqi,
		TrafficLevel: traffic,
	}
	s.Derive(7, testConfig().PeakHoursLocal)
	b, err := s.Encode()
	require.NoError(t, err)
	return b
}

func intPtr(v int) *int {
	return &v
}

func TestHandle_InsertsRealtimeAndHourly(t *testing.T) {
	st := memory.New()
	p := New(testConfig(), st)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, encodedSample(t, intPtr(120), intPtr(3))))

	rows, err := st.FetchRecentRealtime(ctx, time.Date(2025, 8, 20, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Kemayoran", rows[0].Location)
	assert.True(t, rows[0].IsPeakHour)

	hourly, ok := st.Hourly("2025-08-20", 8, "Kemayoran")
	require.True(t, ok)
	assert.EqualValues(t, 1, hourly.TotalRecords)
	assert.True(t, hourly.IsPeakHour)
	require.NotNil(t, hourly.AvgAQI)
	assert.InDelta(t, 120.0, *hourly.AvgAQI, 1e-9)
}

func TestHandle_MissingMetricLeavesItsAverageUntouched(t *testing.T) {
	st := memory.New()
	p := New(testConfig(), st)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, encodedSample(t, nil, intPtr(4))))

	hourly, ok := st.Hourly("2025-08-20", 8, "Kemayoran")
	require.True(t, ok)
	assert.Nil(t, hourly.AvgAQI)
	assert.EqualValues(t, 0, hourly.AQICount)
	require.NotNil(t, hourly.AvgTraffic)
	assert.InDelta(t, 4.0, *hourly.AvgTraffic, 1e-9)
	assert.EqualValues(t, 1, hourly.TrafficCount)
}

func TestHandle_DuplicateDeliveryCountsOnce(t *testing.T) {
	st := memory.New()
	p := New(testConfig(), st)
	ctx := context.Background()

	payload := encodedSample(t, intPtr(100), intPtr(2))
	require.NoError(t, p.Handle(ctx, payload))
	require.NoError(t, p.Handle(ctx, payload))

	hourly, ok := st.Hourly("2025-08-20", 8, "Kemayoran")
	require.True(t, ok)
	assert.EqualValues(t, 1, hourly.TotalRecords)
	assert.EqualValues(t, 1, hourly.AQICount)
	assert.InDelta(t, 100.0, *hourly.AvgAQI, 1e-9)
}

func TestHandle_MalformedPayloadIsAcked(t *testing.T) {
	st := memory.New()
	p := New(testConfig(), st)
	ctx := context.Background()

	// Undecodable JSON.
	assert.NoError(t, p.Handle(ctx, []byte("not json")))

	// Decodable but invalid: negative AQI.
	assert.NoError(t, p.Handle(ctx, encodedInvalid(t)))

	rows, err := st.FetchRecentRealtime(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func encodedInvalid(t *testing.T) []byte {
	aqi := -5
	s := types.Sample{
		Timestamp: time.Date(2025, 8, 20, 1, 30, 0, 0, time.UTC),
		Location:  "Kemayoran",
		AQIValue:  &aqi,
	}
	b, err := s.Encode()
	require.NoError(t, err)
	return b
}

// failingStore makes every write fail, standing in for a database outage.
type failingStore struct {
	*memory.Store
}

func (f *failingStore) UpsertRealtime(_ context.Context, _ schema.RealtimeRow) (bool, error) {
	return false, errors.Wrap(store.ErrUnavailable, "connection refused")
}

func TestHandle_StoreFailureIsReturned(t *testing.T) {
	p := New(testConfig(), &failingStore{Store: memory.New()})
	err := p.Handle(context.Background(), encodedSample(t, intPtr(100), nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestStartEviction_FlipsStaleRows(t *testing.T) {
	st := memory.New()
	cfg := testConfig()
	cfg.RealtimeEvictionInterval = time.Millisecond
	p := New(cfg, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err := st.UpsertRealtime(ctx, schema.RealtimeRow{Timestamp: old, Location: "Kemayoran", ProcessingTimestamp: old})
	require.NoError(t, err)

	p.StartEviction(ctx)
	require.Eventually(t, func() bool {
		rows, err := st.FetchRecentRealtime(ctx, old.Add(-time.Hour))
		require.NoError(t, err)
		return len(rows) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
