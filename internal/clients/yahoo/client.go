// Package yahoo provides a Yahoo Finance chart API client used as the price provider.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/manujajay/portfolio-optimize/internal/clientdata"
	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
)

// DefaultBaseURL is the v8 chart endpoint; the symbol is appended to it.
const DefaultBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

const maxConcurrent = 4

// Client is a Yahoo Finance API client
type Client struct {
	baseURL string
	client  *http.Client
	cache   *clientdata.Repository
	log     zerolog.Logger
}

// NewClient creates a new Yahoo Finance client.
// cache is optional - if nil, caching is disabled
func NewClient(baseURL string, timeout time.Duration, cache *clientdata.Repository, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		log:     log.With().Str("client", "yahoo").Logger(),
	}
}

// GetPriceHistory fetches daily adjusted closes for every asset over [start, end].
// Assets without data are left out of the result.
func (c *Client) GetPriceHistory(ctx context.Context, assets []optimization.Asset, start, end time.Time) (map[optimization.Asset][]optimization.PriceObservation, error) {
	var mu sync.Mutex
	out := make(map[optimization.Asset][]optimization.PriceObservation, len(assets))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrent)
	for _, asset := range assets {
		asset := asset
		eg.Go(func() error {
			prices, err := c.GetHistoricalPrices(egCtx, string(asset), start, end)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", asset, err)
			}
			if len(prices) == 0 {
				c.log.Warn().Str("symbol", string(asset)).Msg("No historical data returned")
				return nil
			}

			observations := make([]optimization.PriceObservation, len(prices))
			for i, p := range prices {
				observations[i] = optimization.PriceObservation{Asset: asset, Time: p.Date, AdjClose: p.AdjClose}
			}
			mu.Lock()
			out[asset] = observations
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHistoricalPrices returns daily bars for symbol, cache first.
// If the API fails, stale cached bars are returned when available.
func (c *Client) GetHistoricalPrices(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalPrice, error) {
	cached := c.lookup(symbol, start, end)
	if cached != nil && cached.Fresh(time.Now()) {
		var prices []HistoricalPrice
		if err := cached.Decode(&prices); err == nil {
			c.log.Debug().Str("symbol", symbol).Int("bars", len(prices)).Msg("Cache hit")
			return prices, nil
		}
	}

	prices, err := c.fetch(ctx, symbol, start, end)
	if err != nil {
		if ctx.Err() != nil || cached == nil {
			return nil, err
		}
		var stale []HistoricalPrice
		if decodeErr := cached.Decode(&stale); decodeErr != nil {
			return nil, err
		}
		c.log.Warn().
			Err(err).
			Str("symbol", symbol).
			Int("bars", len(stale)).
			Time("fetched_at", cached.FetchedAt).
			Msg("API failed, using stale cached prices")
		return stale, nil
	}

	if c.cache != nil && len(prices) > 0 {
		if err := c.cache.Put(symbol, start, end, prices, clientdata.TTLPriceHistory); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache prices")
		}
	}

	c.log.Debug().
		Str("symbol", symbol).
		Int("bars", len(prices)).
		Msg("Fetched historical prices")

	return prices, nil
}

// lookup returns the cached window, fresh or not, or nil.
func (c *Client) lookup(symbol string, start, end time.Time) *clientdata.Entry {
	if c.cache == nil {
		return nil
	}
	entry, err := c.cache.Lookup(symbol, start, end)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Price cache lookup failed")
		return nil
	}
	return entry
}

func (c *Client) fetch(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalPrice, error) {
	params := url.Values{}
	params.Set("period1", strconv.FormatInt(start.Unix(), 10))
	// period2 is exclusive
	params.Set("period2", strconv.FormatInt(end.AddDate(0, 0, 1).Unix(), 10))
	params.Set("interval", "1d")
	params.Set("includeAdjustedClose", "true")
	params.Set("events", "div|split")

	reqURL := c.baseURL + url.PathEscape(symbol) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch historical data: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var result chartResponse
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("yahoo chart API returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if e := result.Chart.Error; e != nil {
		return nil, fmt.Errorf("yahoo chart API error for %s: %s: %s", symbol, e.Code, e.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo chart API returned status %d", resp.StatusCode)
	}

	if len(result.Chart.Result) == 0 {
		return []HistoricalPrice{}, nil
	}

	chart := result.Chart.Result[0]
	loc := exchangeLocation(chart.Meta.ExchangeTimezoneName, chart.Meta.GMTOffset)
	var closes, adjCloses []*float64
	if len(chart.Indicators.Quote) > 0 {
		closes = chart.Indicators.Quote[0].Close
	}
	if len(chart.Indicators.AdjClose) > 0 {
		adjCloses = chart.Indicators.AdjClose[0].AdjClose
	}

	prices := make([]HistoricalPrice, 0, len(chart.Timestamp))
	for i, ts := range chart.Timestamp {
		var closeRaw, adjRaw *float64
		if i < len(closes) {
			closeRaw = closes[i]
		}
		if i < len(adjCloses) {
			adjRaw = adjCloses[i]
		}
		// Yahoo emits null bars for halted sessions
		if closeRaw == nil && adjRaw == nil {
			continue
		}

		var closePrice float64
		if closeRaw != nil {
			closePrice = *closeRaw
		}
		adjClose := closePrice
		if adjRaw != nil {
			adjClose = *adjRaw
		}
		prices = append(prices, HistoricalPrice{
			Date:     sessionDate(ts, loc),
			Close:    closePrice,
			AdjClose: adjClose,
		})
	}

	return prices, nil
}

// sessionDate maps a bar timestamp to midnight UTC of its local trading day
// so that series from different exchanges align on calendar dates.
func sessionDate(ts int64, loc *time.Location) time.Time {
	t := time.Unix(ts, 0).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// exchangeLocation resolves the exchange time zone. The named zone tracks
// daylight saving across the history; gmtoffset is only the current offset.
func exchangeLocation(name string, gmtOffset int) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if gmtOffset != 0 {
		return time.FixedZone("exchange", gmtOffset)
	}
	return time.UTC
}
