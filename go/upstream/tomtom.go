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

// TomTom reads congestion data from the TomTom flow segment API and condenses
// it into a 1..5 congestion level.
type TomTom struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewTomTom returns a TomTom client. The client's timeout bounds each request;
// per-cycle deadlines come from the caller's context.
func NewTomTom(client *http.Client, baseURL, apiKey string) *TomTom {
	return &TomTom{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// flowSegmentResponse is the subset of the TomTom response we read.
type flowSegmentResponse struct {
	FlowSegmentData *struct {
		CurrentSpeed  float64 `json:"currentSpeed"`
		FreeFlowSpeed float64 `json:"freeFlowSpeed"`
	} `json:"flowSegmentData"`
}

// TrafficLevel implements TrafficSource. The level is derived from the slowdown
// relative to free-flow speed: under 10% is level 1, then bands at 30%, 50%,
// and 70%, with anything slower being level 5. A response without flow data
// reports level 1, matching an uncongested segment.
func (t *TomTom) TrafficLevel(ctx context.Context, loc config.Location) (int, error) {
	u := fmt.Sprintf("%s?point=%s&key=%s", t.baseURL, url.QueryEscape(fmt.Sprintf("%f,%f", loc.Latitude, loc.Longitude)), url.QueryEscape(t.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building TomTom request")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, Transient(errors.Wrap(err, "calling TomTom"))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return 0, Transient(errors.Errorf("TomTom returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("TomTom returned %d", resp.StatusCode)
	}
	var body flowSegmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "decoding TomTom response")
	}
	if body.FlowSegmentData == nil || body.FlowSegmentData.FreeFlowSpeed <= 0 {
		return 1, nil
	}
	flow := body.FlowSegmentData
	ratio := (flow.FreeFlowSpeed - flow.CurrentSpeed) / flow.FreeFlowSpeed
	switch {
	case ratio < 0.1:
		return 1, nil
	case ratio < 0.3:
		return 2, nil
	case ratio < 0.5:
		return 3, nil
	case ratio < 0.7:
		return 4, nil
	default:
		return 5, nil
	}
}

var _ TrafficSource = (*TomTom)(nil)
