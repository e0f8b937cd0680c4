// Package formulas holds the small numerical building blocks used by the
// optimizer and the backtester: periodic returns, moments, ratios and drawdowns.
package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// SimpleReturns converts prices to percentage returns
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]
func SimpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	// Rocp leaves the lookback slot at zero
	return talib.Rocp(prices, 1)[1:]
}

// LogReturns converts prices to continuously compounded returns
// Returns[i] = ln(Price[i+1] / Price[i])
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	return talib.Ln(talib.Rocr(prices, 1)[1:])
}

// LogToSimple converts a log return to a simple return
func LogToSimple(r float64) float64 {
	return math.Expm1(r)
}

// EquityCurve compounds simple returns into a growth path starting at 1
func EquityCurve(returns []float64) []float64 {
	curve := make([]float64, len(returns)+1)
	curve[0] = 1.0
	for i, r := range returns {
		curve[i+1] = curve[i] * (1 + r)
	}
	return curve
}
