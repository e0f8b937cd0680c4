package yahoo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manujajay/portfolio-optimize/internal/clientdata"
	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	testingpkg "github.com/manujajay/portfolio-optimize/internal/testing"
)

// 2024-01-02 14:30 UTC and 2024-01-03 14:30 UTC, 2024-01-04 14:30 UTC
const chartJSON = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "AAPL", "currency": "USD"},
      "timestamp": [1704205800, 1704292200, 1704378600],
      "indicators": {
        "quote": [{"close": [185.5, null, 181.9]}],
        "adjclose": [{"adjclose": [184.2, null, 180.6]}]
      }
    }],
    "error": null
  }
}`

const noAdjCloseJSON = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "^IRX"},
      "timestamp": [1704205800],
      "indicators": {"quote": [{"close": [5.2]}]}
    }],
    "error": null
  }
}`

// ^IRX printed 0.00 during 2020-21; the middle bar is a halted session.
const zeroYieldJSON = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "^IRX", "exchangeTimezoneName": "America/Chicago"},
      "timestamp": [1704205800, 1704292200, 1704378600],
      "indicators": {"quote": [{"close": [0.0, null, 0.02]}]}
    }],
    "error": null
  }
}`

// 2024-01-02 23:00 UTC is 10:00 on 2024-01-03 in Sydney.
const sydneyJSON = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "BHP.AX", "exchangeTimezoneName": %q, "gmtoffset": 39600},
      "timestamp": [1704236400],
      "indicators": {"quote": [{"close": [45.1]}], "adjclose": [{"adjclose": [44.9]}]}
    }],
    "error": null
  }
}`

const notFoundJSON = `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`

var (
	start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
)

func newTestClient(t *testing.T, handler http.HandlerFunc, withCache bool) (*Client, *clientdata.Repository) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var cache *clientdata.Repository
	if withCache {
		db, cleanup := testingpkg.NewTestDB(t, "client_data")
		t.Cleanup(cleanup)
		cache = clientdata.NewRepository(db.Conn())
	}

	return NewClient(srv.URL+"/", 5*time.Second, cache, zerolog.Nop()), cache
}

func TestGetHistoricalPrices_ParsesChartAndSkipsNulls(t *testing.T) {
	var gotPath, gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(chartJSON))
	}, false)

	prices, err := client.GetHistoricalPrices(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	require.Len(t, prices, 2)

	assert.Equal(t, "/AAPL", gotPath)
	assert.Contains(t, gotQuery, "interval=1d")
	assert.Contains(t, gotQuery, "period1=1704067200")
	// period2 covers the end date
	assert.Contains(t, gotQuery, "period2=1704499200")

	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), prices[0].Date)
	assert.Equal(t, 184.2, prices[0].AdjClose)
	assert.Equal(t, 185.5, prices[0].Close)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), prices[1].Date)
	assert.Equal(t, 180.6, prices[1].AdjClose)
}

func TestGetHistoricalPrices_FallsBackToClose(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(noAdjCloseJSON))
	}, false)

	prices, err := client.GetHistoricalPrices(context.Background(), "^IRX", start, end)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 5.2, prices[0].AdjClose)
	assert.Equal(t, "/%5EIRX", gotPath)
}

func TestGetHistoricalPrices_KeepsZeroReadings(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(zeroYieldJSON))
	}, false)

	prices, err := client.GetHistoricalPrices(context.Background(), "^IRX", start, end)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, 0.0, prices[0].AdjClose)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), prices[0].Date)
	assert.Equal(t, 0.02, prices[1].AdjClose)
}

func TestGetHistoricalPrices_UsesExchangeSessionDate(t *testing.T) {
	for name, zone := range map[string]string{
		"named zone":         "Australia/Sydney",
		"gmtoffset fallback": "Nowhere/Unknown",
	} {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprintf(w, sydneyJSON, zone)
			}, false)

			prices, err := client.GetHistoricalPrices(context.Background(), "BHP.AX", start, end)
			require.NoError(t, err)
			require.Len(t, prices, 1)
			assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), prices[0].Date)
			assert.Equal(t, 44.9, prices[0].AdjClose)
		})
	}
}

func TestGetHistoricalPrices_Errors(t *testing.T) {
	t.Run("chart error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(notFoundJSON))
		}, false)

		_, err := client.GetHistoricalPrices(context.Background(), "NOPE", start, end)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "No data found")
	})

	t.Run("server error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, false)

		_, err := client.GetHistoricalPrices(context.Background(), "AAPL", start, end)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})
}

func TestGetHistoricalPrices_CacheHit(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(chartJSON))
	}, true)

	first, err := client.GetHistoricalPrices(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	second, err := client.GetHistoricalPrices(context.Background(), "AAPL", start, end)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first, second)
}

func TestGetHistoricalPrices_StaleFallback(t *testing.T) {
	client, cache := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}, true)

	stale := []HistoricalPrice{{Date: start, Close: 10, AdjClose: 10}}
	require.NoError(t, cache.Put("AAPL", start, end, stale, -time.Hour))

	prices, err := client.GetHistoricalPrices(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 10.0, prices[0].AdjClose)
	assert.True(t, prices[0].Date.Equal(start))
}

func TestGetPriceHistory_OmitsEmptyAssets(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/EMPTY") {
			_, _ = w.Write([]byte(`{"chart":{"result":[],"error":null}}`))
			return
		}
		_, _ = w.Write([]byte(chartJSON))
	}, false)

	got, err := client.GetPriceHistory(context.Background(), []optimization.Asset{"AAPL", "EMPTY"}, start, end)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got["AAPL"], 2)
	assert.Equal(t, optimization.Asset("AAPL"), got["AAPL"][0].Asset)
	assert.Equal(t, 184.2, got["AAPL"][0].AdjClose)
	_, ok := got["EMPTY"]
	assert.False(t, ok)
}

func TestGetPriceHistory_PropagatesErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}, false)

	_, err := client.GetPriceHistory(context.Background(), []optimization.Asset{"AAPL"}, start, end)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AAPL")
}
