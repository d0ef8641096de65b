// Package types holds the domain types shared by every stage of the pipeline:
// the sample record that travels over the bus, the AQI category bands, and the
// fixed-offset local time helpers used for peak-hour and aggregation keys.
package types

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// AQICategory is the qualitative band an AQI value falls into. The strings
// are part of the wire contract with the dashboard, so they never change.
type AQICategory string

const (
	Good               AQICategory = "Good"
	Moderate           AQICategory = "Moderate"
	UnhealthySensitive AQICategory = "Unhealthy for Sensitive Groups"
	Unhealthy          AQICategory = "Unhealthy"
	VeryUnhealthy      AQICategory = "Very Unhealthy"
	Hazardous          AQICategory = "Hazardous"
)

// CategoryForAQI maps an AQI value onto its band. Band boundaries are
// inclusive on the upper edge, i.e. 50 is still Good and 51 is Moderate.
func CategoryForAQI(aqi int) AQICategory {
	switch {
	case aqi <= 50:
		return Good
	case aqi <= 100:
		return Moderate
	case aqi <= 150:
		return UnhealthySensitive
	case aqi <= 200:
		return Unhealthy
	case aqi <= 300:
		return VeryUnhealthy
	default:
		return Hazardous
	}
}

// Sample is one per-location observation emitted by the ingestion poller. It
// is the JSON payload on the bus and the shape of rows in the raw log. Missing
// metrics are nil and serialize as null; at least one of AQIValue and
// TrafficLevel must be present.
type Sample struct {
	// Timestamp is the UTC instant of the poll cycle, millisecond precision.
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`

	AQIValue     *int         `json:"aqi_value"`
	AQICategory  *AQICategory `json:"aqi_category"`
	TrafficLevel *int         `json:"traffic_level"`
	IsPeakHour   bool         `json:"is_peak_hour"`
}

// Derive fills in the fields computed from the measured ones: the AQI band and
// the peak-hour flag for the sample's local hour.
func (s *Sample) Derive(offsetHours int, peakHours map[int]bool) {
	if s.AQIValue != nil {
		c := CategoryForAQI(*s.AQIValue)
		s.AQICategory = &c
	} else {
		s.AQICategory = nil
	}
	_, hour := LocalDateHour(s.Timestamp, offsetHours)
	s.IsPeakHour = peakHours[hour]
}

// Validate reports whether the sample satisfies the data contract. Samples
// that fail validation are dropped, not retried.
func (s Sample) Validate() error {
	if s.Location == "" {
		return errors.New("location must not be empty")
	}
	if s.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return errors.Errorf("latitude %f out of range", s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return errors.Errorf("longitude %f out of range", s.Longitude)
	}
	if s.AQIValue == nil && s.TrafficLevel == nil {
		return errors.New("at least one of aqi_value and traffic_level must be present")
	}
	if s.AQIValue != nil && *s.AQIValue < 0 {
		return errors.Errorf("aqi_value %d must be non-negative", *s.AQIValue)
	}
	if s.TrafficLevel != nil && (*s.TrafficLevel < 1 || *s.TrafficLevel > 5) {
		return errors.Errorf("traffic_level %d must be in 1..5", *s.TrafficLevel)
	}
	return nil
}

// Encode serializes the sample for the bus.
func (s Sample) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encoding sample")
	}
	return b, nil
}

// DecodeSample parses a bus payload. The returned sample is not yet validated.
func DecodeSample(b []byte) (Sample, error) {
	var s Sample
	if err := json.Unmarshal(b, &s); err != nil {
		return Sample{}, errors.Wrap(err, "decoding sample")
	}
	return s, nil
}

// DateFormat is the format of aggregation date keys, e.g. "2025-01-01".
const DateFormat = "2006-01-02"

// Zone returns the fixed-offset location all "local" calendar math happens in.
// It is the only place in the pipeline where local time exists; storage is
// always UTC.
func Zone(offsetHours int) *time.Location {
	return time.FixedZone("local", offsetHours*60*60)
}

// LocalDateHour returns the local calendar date (DateFormat) and hour of the
// given UTC instant under the configured fixed offset.
func LocalDateHour(ts time.Time, offsetHours int) (string, int) {
	lt := ts.In(Zone(offsetHours))
	return lt.Format(DateFormat), lt.Hour()
}

// LocalDayWindow returns the UTC instants bounding the local calendar day
// given by date (DateFormat), as the half-open interval [from, to).
func LocalDayWindow(date string, offsetHours int) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(DateFormat, date, Zone(offsetHours))
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(err, "parsing date %q", date)
	}
	return day.UTC(), day.AddDate(0, 0, 1).UTC(), nil
}

// LocalHourWindow returns the UTC instants bounding the given local hour of
// the local calendar day, as the half-open interval [from, to).
func LocalHourWindow(date string, hour int, offsetHours int) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(DateFormat, date, Zone(offsetHours))
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(err, "parsing date %q", date)
	}
	from := day.Add(time.Duration(hour) * time.Hour)
	return from.UTC(), from.Add(time.Hour).UTC(), nil
}
