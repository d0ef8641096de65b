package upstream

import (
	"context"
	"sync"

	"github.com/urbanpulse/pipeline/go/config"
)

// FakeTraffic is a scripted TrafficSource for tests. Set Err to make every
// call fail, or Levels to return a fixed level per location name. Locations
// not in Levels get Default.
type FakeTraffic struct {
	mtx     sync.Mutex
	Levels  map[string]int
	Default int
	Err     error
	calls   int
}

// TrafficLevel implements TrafficSource.
func (f *FakeTraffic) TrafficLevel(_ context.Context, loc config.Location) (int, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls++
	if f.Err != nil {
		return 0, f.Err
	}
	if level, ok := f.Levels[loc.Name]; ok {
		return level, nil
	}
	if f.Default != 0 {
		return f.Default, nil
	}
	return 1, nil
}

// Calls returns how many times TrafficLevel was invoked.
func (f *FakeTraffic) Calls() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.calls
}

// FakeAQI is a scripted AQISource for tests, mirroring FakeTraffic.
type FakeAQI struct {
	mtx     sync.Mutex
	Values  map[string]int
	Default int
	Err     error
	calls   int
}

// AQI implements AQISource.
func (f *FakeAQI) AQI(_ context.Context, loc config.Location) (int, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls++
	if f.Err != nil {
		return 0, f.Err
	}
	if v, ok := f.Values[loc.Name]; ok {
		return v, nil
	}
	if f.Default != 0 {
		return f.Default, nil
	}
	return 50, nil
}

// Calls returns how many times AQI was invoked.
func (f *FakeAQI) Calls() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.calls
}

var _ TrafficSource = (*FakeTraffic)(nil)
var _ AQISource = (*FakeAQI)(nil)
