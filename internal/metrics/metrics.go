// Package metrics exposes Prometheus metrics for the optimizer and its HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	streamsActive        prometheus.Gauge
	optimizationsTotal   *prometheus.CounterVec
	optimizationDuration *prometheus.HistogramVec
	frontierPoints       prometheus.Histogram
	frontierSkipped      prometheus.Counter
	frontierDuration     prometheus.Histogram
}

// New creates the metrics on a private registry, together with Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),
		streamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_streams_active",
				Help: "Number of active frontier WebSocket streams",
			},
		),
		optimizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimizations_total",
				Help: "Total number of optimization runs",
			},
			[]string{"kind", "objective", "status"},
		),
		optimizationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "optimization_duration_seconds",
				Help:    "Optimization run duration in seconds, including data fetch",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		frontierPoints: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_points",
				Help:    "Number of solved points per efficient frontier",
				Buckets: prometheus.LinearBuckets(0, 25, 9),
			},
		),
		frontierSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_skipped_targets_total",
				Help: "Total number of frontier targets without a feasible solution",
			},
		),
		frontierDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_sweep_duration_seconds",
				Help:    "Duration of the frontier sweep in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.streamsActive,
		m.optimizationsTotal,
		m.optimizationDuration,
		m.frontierPoints,
		m.frontierSkipped,
		m.frontierDuration,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latencies labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveOptimization records one optimize, frontier or backtest run.
func (m *Metrics) ObserveOptimization(kind, objective string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.optimizationsTotal.WithLabelValues(kind, objective, status).Inc()
	m.optimizationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveFrontier records the outcome of a frontier sweep.
func (m *Metrics) ObserveFrontier(points, skipped int, duration time.Duration) {
	m.frontierPoints.Observe(float64(points))
	m.frontierSkipped.Add(float64(skipped))
	m.frontierDuration.Observe(duration.Seconds())
}

// StreamOpened increments the active stream gauge
func (m *Metrics) StreamOpened() {
	m.streamsActive.Inc()
}

// StreamClosed decrements the active stream gauge
func (m *Metrics) StreamClosed() {
	m.streamsActive.Dec()
}
