package formulas

import (
	"math"
)

// CalculateSharpeRatio calculates the annualized Sharpe Ratio
//
//	Sharpe = (mean(r) - rf/periodsPerYear) / std(r) * sqrt(periodsPerYear)
//
// riskFreeRate is annual. Returns nil when there is not enough data or the
// series has no dispersion.
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}

	stdDev := StdDev(returns)
	if stdDev == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sharpe := (Mean(returns) - periodicRiskFree) / stdDev * math.Sqrt(float64(periodsPerYear))

	return &sharpe
}

// PortfolioSharpe is the ex-ante Sharpe ratio of an expected return and volatility
// expressed in the same periodicity as riskFreeRate.
func PortfolioSharpe(expectedReturn, volatility, riskFreeRate float64) float64 {
	if volatility <= 0 {
		return 0
	}
	return (expectedReturn - riskFreeRate) / volatility
}
