package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/timesheets/internal/timesheet"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	dayUpdates      *prometheus.CounterVec
	promotions      prometheus.Counter
	editRequests    *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	dayUpdates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_timesheet_day_updates_total",
		Help: "Keputusan status harian timesheet berdasarkan status dan hasil.",
	}, []string{"status", "outcome"})
	promotions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_timesheet_promotions_total",
		Help: "Jumlah timesheet yang dipromosikan ke APPROVED oleh rekonsiliasi.",
	})
	editRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_timesheet_edit_requests_total",
		Help: "Aktivitas permintaan edit timesheet per aksi.",
	}, []string{"action"})
	registry.MustRegister(requests, duration, dayUpdates, promotions, editRequests)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		dayUpdates:      dayUpdates,
		promotions:      promotions,
		editRequests:    editRequests,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// DayUpdates mencatat n keputusan harian dengan hasil applied atau skipped.
func (m *Metrics) DayUpdates(status timesheet.DayStatus, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dayUpdates.WithLabelValues(string(status), outcome).Add(float64(n))
}

// Promotion mencatat satu promosi timesheet.
func (m *Metrics) Promotion() {
	if m == nil {
		return
	}
	m.promotions.Inc()
}

// EditRequest mencatat aksi pada permintaan edit.
func (m *Metrics) EditRequest(action string) {
	if m == nil {
		return
	}
	m.editRequests.WithLabelValues(action).Inc()
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
