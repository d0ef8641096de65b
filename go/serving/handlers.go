package serving

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/urbanpulse/pipeline/go/now"
	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/store"
	"github.com/urbanpulse/pipeline/go/types"
)

const (
	// defaultHourlyDays bounds the hourly series when the caller does not
	// specify one.
	defaultHourlyDays = 7

	// maxHourlyDays caps the hourly series regardless of what the caller
	// asks for.
	maxHourlyDays = 90
)

// Router returns the HTTP API over the layer.
func (l *Layer) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/json/v1/unified", l.unifiedHandler)
	r.Get("/json/v1/hourly", l.hourlyHandler)
	r.Get("/json/v1/peak", l.peakHandler)
	r.Get("/json/v1/recent", l.recentHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (l *Layer) unifiedHandler(w http.ResponseWriter, r *http.Request) {
	view, err := l.UnifiedView(r.Context(), l.cfg.RealtimeRetention)
	if err != nil {
		httpError(w, err)
		return
	}
	sendJSON(w, view)
}

func (l *Layer) hourlyHandler(w http.ResponseWriter, r *http.Request) {
	days := defaultHourlyDays
	if v := r.URL.Query().Get("days"); v != "" {
		var err error
		days, err = strconv.Atoi(v)
		if err != nil || days < 1 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	if days > maxHourlyDays {
		days = maxHourlyDays
	}
	rows, err := l.HourlySeries(r.Context(), days)
	if err != nil {
		httpError(w, err)
		return
	}
	sendJSON(w, rows)
}

func (l *Layer) peakHandler(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		// Default to the last complete local day, which is the newest date
		// the peak job can have analyzed.
		ts := now.Now(r.Context()).AddDate(0, 0, -1)
		date, _ = types.LocalDateHour(ts, l.cfg.LocalOffsetHours)
	}
	if _, err := time.Parse(types.DateFormat, date); err != nil {
		http.Error(w, "date must be formatted like 2006-01-02", http.StatusBadRequest)
		return
	}
	row, err := l.PeakSummary(r.Context(), date)
	if err != nil {
		httpError(w, err)
		return
	}
	sendJSON(w, row)
}

func (l *Layer) recentHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := l.RecentAggregates(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	sendJSON(w, rows)
}

// httpError maps store unavailability onto 503 so load balancers and the
// dashboard can tell an outage from a bug.
func httpError(w http.ResponseWriter, err error) {
	plog.Errorf("Request failed: %s", err)
	if errors.Is(err, store.ErrUnavailable) {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func sendJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		plog.Errorf("Failed to write JSON response: %s", err)
	}
}
