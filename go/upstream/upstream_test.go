package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/pipeline/go/config"
)

var kemayoran = config.Location{
	Name:         "Kemayoran",
	Latitude:     -6.1911,
	Longitude:    106.8491,
	AQIStationID: "@8294",
}

func flowServer(t *testing.T, currentSpeed, freeFlowSpeed float64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("point"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		fmt.Fprintf(w, `{"flowSegmentData": {"currentSpeed": %f, "freeFlowSpeed": %f}}`, currentSpeed, freeFlowSpeed)
	}))
}

func TestTomTom_RatioBands(t *testing.T) {
	test := func(currentSpeed, freeFlowSpeed float64, expected int) {
		ts := flowServer(t, currentSpeed, freeFlowSpeed)
		defer ts.Close()
		client := NewTomTom(ts.Client(), ts.URL, "test-key")
		level, err := client.TrafficLevel(context.Background(), kemayoran)
		require.NoError(t, err)
		assert.Equal(t, expected, level, "current=%f freeflow=%f", currentSpeed, freeFlowSpeed)
	}
	test(60, 60, 1) // No slowdown.
	test(55, 60, 1) // 8.3% slowdown.
	test(50, 60, 2) // 16.7%.
	test(40, 60, 3) // 33.3%.
	test(25, 60, 4) // 58.3%.
	test(10, 60, 5) // 83.3%.
	test(0, 60, 5)  // Standstill.
}

func TestTomTom_NoFlowDataIsLevelOne(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()
	client := NewTomTom(ts.Client(), ts.URL, "test-key")
	level, err := client.TrafficLevel(context.Background(), kemayoran)
	require.NoError(t, err)
	assert.Equal(t, 1, level)
}

func TestTomTom_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()
	client := NewTomTom(ts.Client(), ts.URL, "test-key")
	_, err := client.TrafficLevel(context.Background(), kemayoran)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestTomTom_ClientErrorIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer ts.Close()
	client := NewTomTom(ts.Client(), ts.URL, "test-key")
	_, err := client.TrafficLevel(context.Background(), kemayoran)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestAQICN_StationFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "@8294")
		assert.Equal(t, "test-token", r.URL.Query().Get("token"))
		fmt.Fprint(w, `{"status": "ok", "data": {"aqi": 123}}`)
	}))
	defer ts.Close()
	client := NewAQICN(ts.Client(), ts.URL, "test-token")
	aqi, err := client.AQI(context.Background(), kemayoran)
	require.NoError(t, err)
	assert.Equal(t, 123, aqi)
}

func TestAQICN_GeoFeedWhenNoStation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "geo:")
		fmt.Fprint(w, `{"status": "ok", "data": {"aqi": 77}}`)
	}))
	defer ts.Close()
	client := NewAQICN(ts.Client(), ts.URL, "test-token")
	loc := kemayoran
	loc.AQIStationID = ""
	aqi, err := client.AQI(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, 77, aqi)
}

func TestAQICN_BadStatusAndNoReading(t *testing.T) {
	test := func(body string) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		defer ts.Close()
		client := NewAQICN(ts.Client(), ts.URL, "test-token")
		_, err := client.AQI(context.Background(), kemayoran)
		require.Error(t, err, "body=%s", body)
		assert.False(t, IsTransient(err))
	}
	test(`{"status": "error", "data": "Invalid key"}`)
	// Stations without a current reading report "-".
	test(`{"status": "ok", "data": {"aqi": "-"}}`)
}

func TestTransientMarker(t *testing.T) {
	assert.Nil(t, Transient(nil))
	err := Transient(errors.New("timeout"))
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(errors.Wrap(err, "outer")))
	assert.False(t, IsTransient(errors.New("plain")))
}
