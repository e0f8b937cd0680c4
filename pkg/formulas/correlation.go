package formulas

import (
	"fmt"
	"math"
)

// CorrelationMatrixFromCovariance calculates the correlation matrix from a covariance matrix.
//
// Formula: corr(i,j) = cov(i,j) / sqrt(cov(i,i) * cov(j,j))
func CorrelationMatrixFromCovariance(cov [][]float64) ([][]float64, error) {
	n := len(cov)
	if n == 0 {
		return nil, fmt.Errorf("empty covariance matrix")
	}
	for i := 0; i < n; i++ {
		if len(cov[i]) != n {
			return nil, fmt.Errorf("covariance matrix is not square")
		}
	}

	vars := make([]float64, n)
	for i := 0; i < n; i++ {
		v := cov[i][i]
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid variance on diagonal at %d: %v", i, v)
		}
		vars[i] = v
	}

	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		corr[i][i] = 1.0
		for j := i + 1; j < n; j++ {
			val := cov[i][j] / math.Sqrt(vars[i]*vars[j])
			val = math.Max(-1.0, math.Min(1.0, val))
			corr[i][j] = val
			corr[j][i] = val
		}
	}

	return corr, nil
}

// CorrelationToDistance converts a correlation matrix to the clustering distance
// d_ij = sqrt(2 * (1 - rho_ij)).
func CorrelationToDistance(corr [][]float64) [][]float64 {
	n := len(corr)
	dist := make([][]float64, n)
	for i := 0; i < n; i++ {
		dist[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			c := math.Max(-1.0, math.Min(1.0, corr[i][j]))
			dist[i][j] = math.Sqrt(2.0 * (1.0 - c))
		}
	}
	return dist
}

// InverseVarianceWeights returns w_i = (1/v_i) / sum(1/v_j).
// Non-positive variances get zero weight; if none are positive the weights are equal.
func InverseVarianceWeights(variances []float64) []float64 {
	n := len(variances)
	weights := make([]float64, n)

	var total float64
	for _, v := range variances {
		if v > 0 {
			total += 1.0 / v
		}
	}

	if total == 0 {
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
		return weights
	}

	for i, v := range variances {
		if v > 0 {
			weights[i] = (1.0 / v) / total
		}
	}
	return weights
}
