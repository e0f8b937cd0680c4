package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// AnnualizedVolatility scales the periodic standard deviation by sqrt(periodsPerYear)
func AnnualizedVolatility(returns []float64, periodsPerYear int) float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return 0
	}
	return StdDev(returns) * math.Sqrt(float64(periodsPerYear))
}

// AnnualizedReturn compounds periodic simple returns to an annual rate.
//
// Formula: (prod(1+r))^(periodsPerYear/N) - 1
// For fewer than 3 periods the cumulative return is returned as-is.
func AnnualizedReturn(returns []float64, periodsPerYear int) float64 {
	if len(returns) == 0 {
		return 0
	}
	cumulative := 1.0
	for _, r := range returns {
		cumulative *= 1 + r
	}
	if len(returns) < 3 || periodsPerYear <= 0 {
		return cumulative - 1
	}
	if cumulative <= 0 {
		return -1
	}
	return math.Pow(cumulative, float64(periodsPerYear)/float64(len(returns))) - 1
}
