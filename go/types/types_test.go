package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jakartaPeakHours = map[int]bool{6: true, 7: true, 8: true, 9: true, 16: true, 17: true, 18: true, 19: true}

func TestCategoryForAQI_BandBoundaries(t *testing.T) {
	test := func(aqi int, expected AQICategory) {
		assert.Equal(t, expected, CategoryForAQI(aqi), "aqi=%d", aqi)
	}
	test(0, Good)
	test(50, Good)
	test(51, Moderate)
	test(100, Moderate)
	test(101, UnhealthySensitive)
	test(150, UnhealthySensitive)
	test(151, Unhealthy)
	test(200, Unhealthy)
	test(201, VeryUnhealthy)
	test(300, VeryUnhealthy)
	test(301, Hazardous)
	test(999, Hazardous)
}

func TestDerive_SetsCategoryAndPeakFlag(t *testing.T) {
	aqi := 120
	s := Sample{
		// 01:30 UTC is 08:30 in UTC+7, inside the morning peak.
		Timestamp: time.Date(2025, 8, 20, 1, 30, 0, 0, time.UTC),
		Location:  "Kemayoran",
		AQIValue:  &aqi,
	}
	s.Derive(7, jakartaPeakHours)
	require.NotNil(t, s.AQICategory)
	assert.Equal(t, UnhealthySensitive, *s.AQICategory)
	assert.True(t, s.IsPeakHour)

	// 05:00 UTC is 12:00 in UTC+7, not a peak hour.
	s.Timestamp = time.Date(2025, 8, 20, 5, 0, 0, 0, time.UTC)
	s.Derive(7, jakartaPeakHours)
	assert.False(t, s.IsPeakHour)
}

func TestDerive_NoAQIClearsCategory(t *testing.T) {
	traffic := 3
	stale := AQICategory("Good")
	s := Sample{
		Timestamp:    time.Date(2025, 8, 20, 5, 0, 0, 0, time.UTC),
		Location:     "Kemayoran",
		TrafficLevel: &traffic,
		AQICategory:  &stale,
	}
	s.Derive(7, jakartaPeakHours)
	assert.Nil(t, s.AQICategory)
}

func TestValidate(t *testing.T) {
	aqi := 80
	traffic := 3
	valid := Sample{
		Timestamp:    time.Date(2025, 8, 20, 5, 0, 0, 0, time.UTC),
		Location:     "Kemayoran",
		Latitude:     -6.1911,
		Longitude:    106.8491,
		AQIValue:     &aqi,
		TrafficLevel: &traffic,
	}
	require.NoError(t, valid.Validate())

	s := valid
	s.Location = ""
	assert.Error(t, s.Validate())

	s = valid
	s.Timestamp = time.Time{}
	assert.Error(t, s.Validate())

	s = valid
	s.Latitude = 91
	assert.Error(t, s.Validate())

	s = valid
	s.AQIValue = nil
	s.TrafficLevel = nil
	assert.Error(t, s.Validate())

	s = valid
	negative := -1
	s.AQIValue = &negative
	assert.Error(t, s.Validate())

	s = valid
	tooHigh := 6
	s.TrafficLevel = &tooHigh
	assert.Error(t, s.Validate())

	// One metric alone is enough.
	s = valid
	s.TrafficLevel = nil
	assert.NoError(t, s.Validate())
}

func TestEncodeDecode_MissingMetricsAreNull(t *testing.T) {
	traffic := 2
	s := Sample{
		Timestamp:    time.Date(2025, 8, 20, 5, 0, 0, 0, time.UTC),
		Location:     "Cinere",
		Latitude:     -6.3498,
		Longitude:    106.7782,
		TrafficLevel: &traffic,
	}
	b, err := s.Encode()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Nil(t, raw["aqi_value"])
	assert.Nil(t, raw["aqi_category"])
	assert.Equal(t, float64(2), raw["traffic_level"])

	decoded, err := DecodeSample(b)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestLocalDateHour_CrossesMidnight(t *testing.T) {
	// 18:30 UTC on the 19th is 01:30 on the 20th in UTC+7.
	date, hour := LocalDateHour(time.Date(2025, 8, 19, 18, 30, 0, 0, time.UTC), 7)
	assert.Equal(t, "2025-08-20", date)
	assert.Equal(t, 1, hour)
}

func TestLocalDayWindow(t *testing.T) {
	from, to, err := LocalDayWindow("2025-08-20", 7)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 19, 17, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 8, 20, 17, 0, 0, 0, time.UTC), to)
}

func TestLocalHourWindow(t *testing.T) {
	from, to, err := LocalHourWindow("2025-08-20", 8, 7)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 20, 1, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 8, 20, 2, 0, 0, 0, time.UTC), to)

	_, _, err = LocalHourWindow("not-a-date", 8, 7)
	assert.Error(t, err)
}
