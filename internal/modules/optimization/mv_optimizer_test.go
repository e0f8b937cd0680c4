package optimization

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMoments(t *testing.T, assets []Asset, mean []float64, cov [][]float64) MomentEstimate {
	t.Helper()
	m, err := NewMomentEstimate(assets, mean, cov)
	require.NoError(t, err)
	return m
}

// twoAsset is μ = [0.10, 0.20], Σ = diag(0.04, 0.04).
func twoAsset(t *testing.T) MomentEstimate {
	return mustMoments(t, []Asset{"A", "B"}, []float64{0.10, 0.20}, [][]float64{
		{0.04, 0},
		{0, 0.04},
	})
}

func threeAsset(t *testing.T) MomentEstimate {
	return mustMoments(t, []Asset{"A", "B", "C"}, []float64{0.08, 0.12, 0.15}, [][]float64{
		{0.040, 0.006, 0.010},
		{0.006, 0.090, 0.020},
		{0.010, 0.020, 0.160},
	})
}

// tenAsset has means 0.05..0.14 and independent variances 0.01..0.10.
func tenAsset(t *testing.T) MomentEstimate {
	assets := make([]Asset, 10)
	mean := make([]float64, 10)
	cov := make([][]float64, 10)
	for i := range assets {
		assets[i] = Asset(fmt.Sprintf("A%d", i))
		mean[i] = 0.05 + 0.01*float64(i)
		cov[i] = make([]float64, 10)
		cov[i][i] = 0.01 * float64(i+1)
	}
	return mustMoments(t, assets, mean, cov)
}

func assertFullyInvested(t *testing.T, w WeightVector) {
	t.Helper()
	assert.InDelta(t, 1.0, w.Sum(), 1e-9, "weights should sum to 1")
}

func assertLongOnly(t *testing.T, w WeightVector) {
	t.Helper()
	for i, v := range w.Weights {
		assert.GreaterOrEqual(t, v, -1e-9, "weight %d (%s) should be non-negative", i, w.Assets[i])
	}
}

func TestMVOptimizer_TwoAssetEqualVariance(t *testing.T) {
	m := twoAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	for _, c := range []Constraints{DefaultConstraints(), {FullyInvested: true}} {
		w, err := optimizer.Optimize(m, MinVolatility{}, c)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{0.5, 0.5}, w.Weights, 1e-9)

		w, err = optimizer.Optimize(m, MinVariance{TargetReturn: 0.15}, c)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{0.5, 0.5}, w.Weights, 1e-9)
		assert.Equal(t, []Asset{"A", "B"}, w.Assets)
	}
}

func TestMVOptimizer_MinVarianceClosedForm(t *testing.T) {
	m := threeAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	for _, target := range []float64{0.05, 0.10, 0.14, 0.20} {
		w, err := optimizer.Optimize(m, MinVariance{TargetReturn: target}, Constraints{FullyInvested: true})
		require.NoError(t, err)
		assertFullyInvested(t, w)
		assert.InDelta(t, target, m.PortfolioReturn(w.Weights), 1e-9)
	}
}

func TestMVOptimizer_MinVarianceLongOnly(t *testing.T) {
	m := threeAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	// Feasible set for fixed budget and return is a segment along n.
	n := []float64{0.03, -0.07, 0.04}

	for _, target := range []float64{0.08, 0.09, 0.10, 0.12, 0.135, 0.15} {
		w, err := optimizer.Optimize(m, MinVariance{TargetReturn: target}, DefaultConstraints())
		require.NoError(t, err, "target %v", target)
		assertFullyInvested(t, w)
		assertLongOnly(t, w)
		assert.InDelta(t, target, m.PortfolioReturn(w.Weights), 1e-8)

		got := m.PortfolioVariance(w.Weights)
		best := math.Inf(1)
		for s := -40.0; s <= 40.0; s += 0.001 {
			cand := make([]float64, 3)
			ok := true
			for i := range cand {
				cand[i] = w.Weights[i] + s*n[i]
				if cand[i] < 0 {
					ok = false
				}
			}
			if ok {
				best = math.Min(best, m.PortfolioVariance(cand))
			}
		}
		assert.LessOrEqual(t, got, best+1e-10, "target %v should be variance-minimal", target)
	}
}

func TestMVOptimizer_TargetAtMaxMeanConcentrates(t *testing.T) {
	m := threeAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	w, err := optimizer.Optimize(m, MinVariance{TargetReturn: 0.15}, DefaultConstraints())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0, 1}, w.Weights, 1e-9)
}

func TestMVOptimizer_TargetAboveMaxMeanInfeasible(t *testing.T) {
	m := threeAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	_, err := optimizer.Optimize(m, MinVariance{TargetReturn: 0.20}, DefaultConstraints())
	assert.ErrorIs(t, err, ErrInfeasible)

	_, err = optimizer.Optimize(m, MinVariance{TargetReturn: 0.01}, DefaultConstraints())
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestMVOptimizer_MinVarianceUnbudgeted(t *testing.T) {
	m := threeAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	w, err := optimizer.Optimize(m, MinVariance{TargetReturn: 0.10}, Constraints{})
	require.NoError(t, err)
	assert.InDelta(t, 0.10, m.PortfolioReturn(w.Weights), 1e-9)

	w, err = optimizer.Optimize(m, MinVariance{TargetReturn: 0.10}, Constraints{NoShort: true})
	require.NoError(t, err)
	assertLongOnly(t, w)
	assert.InDelta(t, 0.10, m.PortfolioReturn(w.Weights), 1e-8)

	_, err = optimizer.Optimize(m, MinVariance{TargetReturn: -0.10}, Constraints{NoShort: true})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestMVOptimizer_MaxSharpe(t *testing.T) {
	m := twoAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	// Diagonal Σ: tangency weights are proportional to excess / variance.
	for _, c := range []Constraints{DefaultConstraints(), {FullyInvested: true}} {
		w, err := optimizer.Optimize(m, MaxSharpe{RiskFreeRate: 0}, c)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3}, w.Weights, 1e-9)
	}

	w, err := optimizer.Optimize(m, MaxSharpe{RiskFreeRate: 0.05}, DefaultConstraints())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.75}, w.Weights, 1e-9)
}

func TestMVOptimizer_MaxSharpeLongOnlyClipsShorts(t *testing.T) {
	m := threeAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	unconstrained, err := optimizer.Optimize(m, MaxSharpe{RiskFreeRate: 0.07}, Constraints{FullyInvested: true})
	require.NoError(t, err)
	assertFullyInvested(t, unconstrained)

	w, err := optimizer.Optimize(m, MaxSharpe{RiskFreeRate: 0.07}, DefaultConstraints())
	require.NoError(t, err)
	assertFullyInvested(t, w)
	assertLongOnly(t, w)

	sharpe := func(weights []float64) float64 {
		return (m.PortfolioReturn(weights) - 0.07) / math.Sqrt(m.PortfolioVariance(weights))
	}
	// No long-only corner beats the solution.
	for i := 0; i < 3; i++ {
		corner := make([]float64, 3)
		corner[i] = 1
		assert.GreaterOrEqual(t, sharpe(w.Weights), sharpe(corner)-1e-12)
	}
	assert.LessOrEqual(t, sharpe(w.Weights), sharpe(unconstrained.Weights)+1e-12)
}

func TestMVOptimizer_MaxSharpeNoExcessReturn(t *testing.T) {
	m := twoAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	_, err := optimizer.Optimize(m, MaxSharpe{RiskFreeRate: 0.25}, DefaultConstraints())
	assert.ErrorIs(t, err, ErrInfeasible)

	_, err = optimizer.Optimize(m, MaxSharpe{RiskFreeRate: 0.25}, Constraints{FullyInvested: true})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestMVOptimizer_EfficientRisk(t *testing.T) {
	m := twoAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	w, err := optimizer.Optimize(m, EfficientRisk{TargetVolatility: 0.2}, Constraints{FullyInvested: true})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1}, w.Weights, 1e-9)

	w, err = optimizer.Optimize(m, EfficientRisk{TargetVolatility: 0.2}, DefaultConstraints())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1}, w.Weights, 1e-9)

	// w = [1-s, s] with 0.04((1-s)² + s²) = 0.15²
	s := (1 + math.Sqrt(1-4*0.21875)) / 2
	w, err = optimizer.Optimize(m, EfficientRisk{TargetVolatility: 0.15}, DefaultConstraints())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1 - s, s}, w.Weights, 1e-6)
	assert.LessOrEqual(t, m.PortfolioVariance(w.Weights), 0.15*0.15+1e-12)

	_, err = optimizer.Optimize(m, EfficientRisk{TargetVolatility: 0.1}, DefaultConstraints())
	assert.ErrorIs(t, err, ErrInfeasible)
	_, err = optimizer.Optimize(m, EfficientRisk{TargetVolatility: 0.1}, Constraints{FullyInvested: true})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestMVOptimizer_RiskParity(t *testing.T) {
	m := mustMoments(t, []Asset{"A", "B"}, []float64{0.1, 0.1}, [][]float64{
		{0.04, 0},
		{0, 0.01},
	})
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	w, err := optimizer.Optimize(m, RiskParity{Linkage: LinkageSingle}, DefaultConstraints())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.2, 0.8}, w.Weights, 1e-12)

	w, err = optimizer.Optimize(threeAsset(t), RiskParity{Linkage: LinkageAverage}, DefaultConstraints())
	require.NoError(t, err)
	assertFullyInvested(t, w)
	assertLongOnly(t, w)
}

func TestMVOptimizer_SingleAsset(t *testing.T) {
	m := mustMoments(t, []Asset{"ONLY"}, []float64{0.07}, [][]float64{{0.09}})
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	objectives := []Objective{
		MinVariance{TargetReturn: 0.5},
		MaxSharpe{RiskFreeRate: 0.01},
		MinVolatility{},
		EfficientRisk{TargetVolatility: 0.01},
		RiskParity{},
	}
	for _, obj := range objectives {
		for _, c := range []Constraints{DefaultConstraints(), {}} {
			w, err := optimizer.Optimize(m, obj, c)
			require.NoError(t, err, obj.Name())
			assert.Equal(t, []float64{1.0}, w.Weights, obj.Name())
		}
	}
}

func TestMVOptimizer_Deterministic(t *testing.T) {
	m := threeAsset(t)
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	for _, obj := range []Objective{MinVariance{TargetReturn: 0.11}, MaxSharpe{RiskFreeRate: 0.02}, MinVolatility{}} {
		first, err := optimizer.Optimize(m, obj, DefaultConstraints())
		require.NoError(t, err)
		second, err := optimizer.Optimize(m, obj, DefaultConstraints())
		require.NoError(t, err)
		assert.Equal(t, first, second, obj.Name())
	}
}

func TestMVOptimizer_SingularCovariance(t *testing.T) {
	m := mustMoments(t, []Asset{"A", "B"}, []float64{0.1, 0.2}, [][]float64{
		{0.04, 0.04},
		{0.04, 0.04},
	})
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	_, err := optimizer.Optimize(m, MinVariance{TargetReturn: 0.15}, Constraints{FullyInvested: true})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestMVOptimizer_EqualMeans(t *testing.T) {
	m := mustMoments(t, []Asset{"A", "B"}, []float64{0.1, 0.1}, [][]float64{
		{0.04, 0},
		{0, 0.01},
	})
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	for _, c := range []Constraints{DefaultConstraints(), {FullyInvested: true}} {
		w, err := optimizer.Optimize(m, MinVariance{TargetReturn: 0.1}, c)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{0.2, 0.8}, w.Weights, 1e-9)

		_, err = optimizer.Optimize(m, MinVariance{TargetReturn: 0.12}, c)
		assert.ErrorIs(t, err, ErrInfeasible)
	}
}

func TestMVOptimizer_InvalidInputs(t *testing.T) {
	optimizer := NewMVOptimizer(DefaultSolverConfig())

	_, err := optimizer.Optimize(MomentEstimate{}, MinVolatility{}, DefaultConstraints())
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = optimizer.Optimize(twoAsset(t), MinVariance{TargetReturn: math.NaN()}, DefaultConstraints())
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = optimizer.Optimize(twoAsset(t), nil, DefaultConstraints())
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestMVOptimizer_IterationLimit(t *testing.T) {
	m := tenAsset(t)

	_, err := NewMVOptimizer(SolverConfig{MaxIterations: 1}).Optimize(m, MinVolatility{}, DefaultConstraints())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConverged))
	assert.True(t, IsSkippable(err))
	assert.Contains(t, err.Error(), "min_volatility")

	// Inverse-variance weights once the solver has room to finish.
	w, err := NewMVOptimizer(DefaultSolverConfig()).Optimize(m, MinVolatility{}, DefaultConstraints())
	require.NoError(t, err)
	assertFullyInvested(t, w)
	var norm float64
	for i := 1; i <= 10; i++ {
		norm += 1 / float64(i)
	}
	for i, v := range w.Weights {
		assert.InDelta(t, 1/float64(i+1)/norm, v, 1e-8, "weight %d", i)
	}
}

func TestNewMomentEstimate_Validation(t *testing.T) {
	_, err := NewMomentEstimate([]Asset{"A", "B"}, []float64{0.1}, [][]float64{{1, 0}, {0, 1}})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = NewMomentEstimate([]Asset{"A", "B"}, []float64{0.1, 0.2}, [][]float64{{0.04, 0.01}, {0.02, 0.04}})
	assert.ErrorIs(t, err, ErrDegenerateInput)

	_, err = NewMomentEstimate([]Asset{"A", "B"}, []float64{0.1, 0.2}, [][]float64{{0.04, 0}, {0, 0}})
	assert.ErrorIs(t, err, ErrDegenerateInput)

	_, err = NewMomentEstimate([]Asset{"A", "A"}, []float64{0.1, 0.2}, [][]float64{{0.04, 0}, {0, 0.04}})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = NewMomentEstimate(nil, nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestParseObjective(t *testing.T) {
	target := 0.1
	vol := 0.2

	obj, err := ParseObjective("", ObjectiveParams{RiskFreeRate: 0.01})
	require.NoError(t, err)
	assert.Equal(t, MaxSharpe{RiskFreeRate: 0.01}, obj)

	obj, err = ParseObjective("efficient_return", ObjectiveParams{TargetReturn: &target})
	require.NoError(t, err)
	assert.Equal(t, MinVariance{TargetReturn: 0.1}, obj)

	obj, err = ParseObjective("efficient_risk", ObjectiveParams{TargetVolatility: &vol})
	require.NoError(t, err)
	assert.Equal(t, EfficientRisk{TargetVolatility: 0.2}, obj)

	obj, err = ParseObjective("HRP", ObjectiveParams{})
	require.NoError(t, err)
	assert.Equal(t, RiskParity{Linkage: LinkageSingle}, obj)

	_, err = ParseObjective("min_variance", ObjectiveParams{})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = ParseObjective("risk_parity", ObjectiveParams{Linkage: "ward"})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = ParseObjective("kelly", ObjectiveParams{})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestMomentEstimate_HighCorrelations(t *testing.T) {
	m := mustMoments(t, []Asset{"A", "B", "C"}, []float64{0.1, 0.1, 0.1}, [][]float64{
		{0.04, 0.038, 0},
		{0.038, 0.04, 0},
		{0, 0, 0.04},
	})
	pairs := m.HighCorrelations(0.8)
	require.Len(t, pairs, 1)
	assert.Equal(t, Asset("A"), pairs[0].Asset1)
	assert.Equal(t, Asset("B"), pairs[0].Asset2)
	assert.InDelta(t, 0.95, pairs[0].Correlation, 1e-12)
}
