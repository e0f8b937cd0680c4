package testing

import (
	"math/rand"
	"time"

	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
)

// DefaultDrifts are daily drifts for the synthetic test universe.
var DefaultDrifts = map[string]float64{
	"AAPL": 0.0008,
	"MSFT": 0.0007,
	"GLD":  0.0003,
}

// SyntheticPrices generates a weekday random walk for asset between start and end.
// The walk is seeded from the asset name, so repeated calls return the same prices.
func SyntheticPrices(asset optimization.Asset, drift float64, start, end time.Time) []optimization.PriceObservation {
	var seed int64
	for _, c := range asset {
		seed = seed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed))

	var out []optimization.PriceObservation
	price := 100.0
	for d := start.Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		price *= 1 + drift + 0.01*rng.NormFloat64()
		out = append(out, optimization.PriceObservation{Asset: asset, Time: d, AdjClose: price})
	}
	return out
}
