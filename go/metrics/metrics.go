// Package metrics provides Prometheus-backed counters, gauges, and liveness
// metrics, plus the HTTP endpoint that exposes them together with the health
// checks every service serves.
package metrics

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/urbanpulse/pipeline/go/plog"
)

// livenessReportInterval is how often liveness gauges re-report their
// time-since-last-reset, even with no Reset() calls in between.
const livenessReportInterval = 15 * time.Second

// invalidChar forces metric and tag names to conform to Prometheus's naming
// restrictions.
var invalidChar = regexp.MustCompile(`([^a-zA-Z0-9_:])`)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// Int64Metric is a gauge that remembers its last value, because the
// prometheus client library does not support Get on gauges.
type Int64Metric struct {
	i     int64
	gauge prometheus.Gauge
}

// Get returns the current value.
func (m *Int64Metric) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

// Update sets the value.
func (m *Int64Metric) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

// Counter is a monotone counter on top of Int64Metric.
type Counter struct {
	Int64Metric
}

// Inc increments the counter by i.
func (c *Counter) Inc(i int64) {
	c.Update(c.Get() + i)
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	c.Update(0)
}

var (
	mutex     sync.Mutex
	gaugeVecs = map[string]*prometheus.GaugeVec{}
	gauges    = map[string]*Int64Metric{}
	counters  = map[string]*Counter{}
)

// gaugeKey returns a stable identity for (name, tags).
func gaugeKey(name string, tags map[string]string) (string, []string, []string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, clean(k))
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, tags[k])
	}
	return fmt.Sprintf("%s [%s] [%s]", name, strings.Join(keys, ","), strings.Join(values, ",")), keys, values
}

func getGauge(name string, tags map[string]string) (string, prometheus.Gauge) {
	name = clean(name)
	key, labels, values := gaugeKey(name, tags)
	vecKey := name + " " + strings.Join(labels, ",")
	vec, ok := gaugeVecs[vecKey]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labels)
		if err := prometheus.Register(vec); err != nil {
			// A second metric with the same name but different tag values
			// races us to the registration.
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prometheus.GaugeVec)
			} else {
				plog.Fatalf("Failed to register metric %q: %s", name, err)
			}
		}
		gaugeVecs[vecKey] = vec
	}
	return key, vec.WithLabelValues(values...)
}

// GetInt64Metric returns (creating if necessary) the Int64Metric identified by
// name and tags.
func GetInt64Metric(name string, tags map[string]string) *Int64Metric {
	mutex.Lock()
	defer mutex.Unlock()
	key, gauge := getGauge(name, tags)
	m, ok := gauges[key]
	if !ok {
		m = &Int64Metric{gauge: gauge}
		gauges[key] = m
	}
	return m
}

// GetCounter returns (creating if necessary) the Counter identified by name
// and tags.
func GetCounter(name string, tags map[string]string) *Counter {
	mutex.Lock()
	defer mutex.Unlock()
	key, gauge := getGauge(name, tags)
	c, ok := counters[key]
	if !ok {
		c = &Counter{Int64Metric{gauge: gauge}}
		counters[key] = c
	}
	return c
}

// Liveness keeps a time-since-last-successful-update metric, in seconds. It is
// used to track periodic tasks; an alert should fire when the value grows past
// a multiple of the task's period.
type Liveness struct {
	mtx                  sync.Mutex
	lastSuccessfulUpdate time.Time
	m                    *Int64Metric
}

// NewLiveness creates a new Liveness metric helper.
func NewLiveness(name string, tags map[string]string) *Liveness {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["name"] = name
	l := &Liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric("liveness", t),
	}
	go func() {
		for range time.Tick(livenessReportInterval) {
			l.update()
		}
	}()
	return l
}

func (l *Liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Reset should be called when some work has been successfully completed.
func (l *Liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.m.Update(0)
}

// Get returns the current value in seconds. Mostly useful in tests.
func (l *Liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return int64(time.Since(l.lastSuccessfulUpdate).Seconds())
}

// Serve exposes /metrics, /healthz, and /ready on the given port (e.g.
// ":20000") in a background goroutine. The ready func may be nil, in which
// case /ready always succeeds.
func Serve(port string, ready func() error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		plog.Infof("Metrics available at %s/metrics", port)
		plog.Fatal(http.ListenAndServe(port, mux))
	}()
}
