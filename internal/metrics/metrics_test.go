package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOptimization(t *testing.T) {
	m := New()

	m.ObserveOptimization("optimize", "max_sharpe", 50*time.Millisecond, nil)
	m.ObserveOptimization("optimize", "max_sharpe", 10*time.Millisecond, errors.New("boom"))
	m.ObserveOptimization("optimize", "max_sharpe", 10*time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.optimizationsTotal.WithLabelValues("optimize", "max_sharpe", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.optimizationsTotal.WithLabelValues("optimize", "max_sharpe", "error")))
}

func TestObserveFrontier(t *testing.T) {
	m := New()

	m.ObserveFrontier(48, 2, time.Second)
	m.ObserveFrontier(50, 0, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frontierSkipped))
}

func TestStreamsGauge(t *testing.T) {
	m := New()

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsActive))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/runs/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/runs/{id}", "404")))

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}
