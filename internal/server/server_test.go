package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manujajay/portfolio-optimize/internal/config"
	"github.com/manujajay/portfolio-optimize/internal/di"
	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	testingpkg "github.com/manujajay/portfolio-optimize/internal/testing"
)

func setupServer(t *testing.T) (*Server, *di.Container) {
	t.Helper()

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Optimizer: config.OptimizerConfig{
			LookbackYears:       3,
			ReturnKind:          "simple",
			Alignment:           "intersect",
			MinWindow:           2,
			AnnualizationFactor: 252,
			Shrinkage:           "none",
			LongOnly:            true,
			RiskFreeSymbol:      "^IRX",
			FrontierSteps:       10,
			FrontierWorkers:     2,
			MaxIterations:       500,
			Tolerance:           1e-10,
		},
		Yahoo: config.YahooConfig{Timeout: time.Second},
		Schedule: config.ScheduleConfig{
			RetentionDays:    30,
			RetentionCron:    "0 30 3 * * *",
			CacheCleanupCron: "0 15 3 * * *",
		},
	}

	container, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	// keep tests off the network
	container.OptimizerService = optimization.NewOptimizerService(
		di.OptimizerConfig(cfg.Optimizer), testingpkg.NewMockPriceProvider(), zerolog.Nop(),
	)
	container.OptimizerService.SetRunStore(container.RunsRepo)
	container.OptimizerService.SetMetrics(container.Metrics)

	srv := New(Config{Log: zerolog.Nop(), Container: container, Port: 0, DevMode: true})
	srv.systemHandlers.systemStats = func() (float64, float64) { return 12.5, 40 }
	return srv, container
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "portfolio-optimize", body["service"])
}

func TestSystemStatus(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/api/system/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body SystemStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 12.5, body.CPUPercent)
	assert.Equal(t, 40.0, body.MemoryPercent)
	assert.Equal(t, 2, body.JobsRegistered)
	assert.False(t, body.BackupsEnabled)
}

func TestDatabaseStats(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/api/system/database/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body DatabaseStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Databases, 2)
	assert.Equal(t, "runs", body.Databases[0].Name)
	assert.Equal(t, "client_data", body.Databases[1].Name)
	require.NotNil(t, body.Databases[0].Stats)
	assert.Greater(t, body.Databases[0].Stats.PageCount, int64(0))
	assert.Greater(t, body.TotalSizeMB, 0.0)
}

func TestJobs(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/api/system/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body JobsStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.TotalJobs)
	assert.Equal(t, "client_data_cleanup", body.Jobs[0].Name)
	assert.Equal(t, "run_retention", body.Jobs[1].Name)
}

func TestTriggerJob(t *testing.T) {
	srv, container := setupServer(t)

	w := do(t, srv, http.MethodPost, "/api/system/jobs/nope/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodPost, "/api/system/jobs/run_retention/run", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		for _, j := range container.Scheduler.Jobs() {
			if j.Name == "run_retention" {
				return j.LastRun != nil && !j.Running
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestListBackups_NotConfigured(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/api/system/backups", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOptimizeAndMetrics(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodPost, "/api/optimizer/optimize",
		`{"tickers":["AAPL","MSFT","GLD"],"objective":"min_volatility","end":"2025-06-30T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, srv, http.MethodGet, "/api/optimizer/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "min_volatility")

	w = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "optimizations_total")
	assert.Contains(t, w.Body.String(), `route="/api/optimizer/optimize"`)
}
