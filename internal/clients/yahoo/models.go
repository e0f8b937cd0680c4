package yahoo

import "time"

// HistoricalPrice is one daily bar from the chart API
type HistoricalPrice struct {
	Date     time.Time `json:"date"`
	Close    float64   `json:"close"`
	AdjClose float64   `json:"adj_close"`
}

// chartResponse mirrors the v8 chart payload. Yahoo returns null for
// missing sessions, so series are pointer slices.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol               string `json:"symbol"`
				Currency             string `json:"currency"`
				ExchangeTimezoneName string `json:"exchangeTimezoneName"`
				GMTOffset            int    `json:"gmtoffset"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}
