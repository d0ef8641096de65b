package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/urbanpulse/pipeline/go/config"
)

// AQICN reads air-quality data from the World Air Quality Index project.
// Locations with a pinned station ID are queried by station; the rest are
// queried by coordinates.
type AQICN struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewAQICN returns an AQICN client.
func NewAQICN(client *http.Client, baseURL, token string) *AQICN {
	return &AQICN{
		client:  client,
		baseURL: baseURL,
		token:   token,
	}
}

// aqicnResponse is the subset of the AQICN response we read. The aqi field is
// left raw because stations without current data report the string "-" and the
// data field itself degrades to a plain string on errors.
type aqicnResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// AQI implements AQISource.
func (a *AQICN) AQI(ctx context.Context, loc config.Location) (int, error) {
	feed := loc.AQIStationID
	if feed == "" {
		feed = fmt.Sprintf("geo:%f;%f", loc.Latitude, loc.Longitude)
	}
	u := fmt.Sprintf("%s/%s/?token=%s", a.baseURL, url.PathEscape(feed), url.QueryEscape(a.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building AQICN request")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, Transient(errors.Wrap(err, "calling AQICN"))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return 0, Transient(errors.Errorf("AQICN returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("AQICN returned %d", resp.StatusCode)
	}
	var body aqicnResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "decoding AQICN response")
	}
	if body.Status != "ok" {
		return 0, errors.Errorf("AQICN reported status %q for feed %s", body.Status, feed)
	}
	var data struct {
		AQI json.RawMessage `json:"aqi"`
	}
	var aqi int
	if err := json.Unmarshal(body.Data, &data); err != nil || json.Unmarshal(data.AQI, &aqi) != nil {
		// Stations intermittently report "-" when they have no fresh reading.
		return 0, errors.Errorf("AQICN reported no numeric value for feed %s", feed)
	}
	return aqi, nil
}

var _ AQISource = (*AQICN)(nil)
