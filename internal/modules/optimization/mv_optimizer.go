package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxConditionNumber is the largest covariance condition number treated as invertible.
const maxConditionNumber = 1e14

// MVOptimizer performs mean-variance portfolio optimization.
// It is pure: identical inputs always produce identical weights.
type MVOptimizer struct {
	cfg    SolverConfig
	solver activeSetSolver
	hrp    *HRPOptimizer
}

// NewMVOptimizer creates a new mean-variance optimizer.
func NewMVOptimizer(cfg SolverConfig) *MVOptimizer {
	cfg = cfg.withDefaults()
	return &MVOptimizer{
		cfg:    cfg,
		solver: newActiveSetSolver(cfg),
		hrp:    NewHRPOptimizer(),
	}
}

// Optimize solves for the weight vector of the objective under the constraints.
//
// Strategies:
//   - MinVariance: minimise wᵀΣw s.t. w·μ = target (closed form via Cholesky, active-set QP when NoShort)
//   - MaxSharpe: tangency portfolio Σ⁻¹(μ - rf), normalised to sum 1
//   - MinVolatility: global minimum variance, always fully invested
//   - EfficientRisk: highest return with volatility ≤ target, always fully invested
//   - RiskParity: hierarchical risk parity, always long-only and fully invested
//
// A single asset always gets weight 1.
func (mvo *MVOptimizer) Optimize(m MomentEstimate, obj Objective, c Constraints) (WeightVector, error) {
	if err := m.validate(); err != nil {
		return WeightVector{}, err
	}
	if err := validateObjective(obj); err != nil {
		return WeightVector{}, err
	}

	if m.N() == 1 {
		return mvo.weightVector(m, []float64{1.0}), nil
	}

	var (
		w   []float64
		err error
	)
	switch o := obj.(type) {
	case MinVariance:
		w, err = mvo.minVariance(m, o.TargetReturn, c)
	case MaxSharpe:
		w, err = mvo.maxSharpe(m, o.RiskFreeRate, c)
	case MinVolatility:
		w, err = mvo.minVolatility(m, c)
	case EfficientRisk:
		w, err = mvo.efficientRisk(m, o.TargetVolatility, c)
	case RiskParity:
		w, err = mvo.hrp.Optimize(m.covarianceRows(), o.Linkage)
	}
	if err != nil {
		return WeightVector{}, fmt.Errorf("%s: %w", obj.Name(), err)
	}

	return mvo.weightVector(m, w), nil
}

func (mvo *MVOptimizer) weightVector(m MomentEstimate, w []float64) WeightVector {
	return WeightVector{
		Assets:  append([]Asset(nil), m.Assets...),
		Weights: w,
	}
}

// returnTolerance is the slack allowed when comparing target returns to achievable ones.
func returnTolerance(mu []float64) float64 {
	return 1e-9 * (1 + maxAbs(mu))
}

func (mvo *MVOptimizer) minVariance(m MomentEstimate, target float64, c Constraints) ([]float64, error) {
	if c.NoShort {
		if c.FullyInvested {
			return mvo.minVarianceLongOnly(m, target)
		}
		return mvo.minVarianceLongOnlyUnbudgeted(m, target)
	}

	cf, err := newClosedForm(m)
	if err != nil {
		return nil, err
	}
	if c.FullyInvested {
		return cf.targetReturn(target, returnTolerance(m.Mean))
	}
	return cf.targetReturnUnbudgeted(target, returnTolerance(m.Mean))
}

func (mvo *MVOptimizer) maxSharpe(m MomentEstimate, rf float64, c Constraints) ([]float64, error) {
	n := m.N()
	excess := make([]float64, n)
	for i, v := range m.Mean {
		excess[i] = v - rf
	}

	if c.NoShort {
		best := argmax(excess)
		if excess[best] <= returnTolerance(excess) {
			return nil, fmt.Errorf("%w: no asset earns more than the risk-free rate %.6g", ErrInfeasible, rf)
		}
		// minimise yᵀΣy s.t. excessᵀy = 1, y ≥ 0; then w = y / Σy
		x0 := make([]float64, n)
		x0[best] = 1 / excess[best]
		a := mat.NewDense(1, n, excess)
		y, err := mvo.solver.solve(qpProblem{H: m.Covariance, A: a}, x0)
		if err != nil {
			return nil, err
		}
		return normalizeLongOnly(y)
	}

	cf, err := newClosedForm(m)
	if err != nil {
		return nil, err
	}
	z, err := cf.solve(excess)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, v := range z {
		total += v
	}
	if total <= mvo.cfg.Tolerance {
		return nil, fmt.Errorf("%w: tangency portfolio undefined (minimum variance return does not exceed risk-free rate %.6g)", ErrInfeasible, rf)
	}
	for i := range z {
		z[i] /= total
	}
	return z, nil
}

func (mvo *MVOptimizer) minVolatility(m MomentEstimate, c Constraints) ([]float64, error) {
	if c.NoShort {
		return mvo.budgetOnly(m, allIndices(m.N()))
	}
	cf, err := newClosedForm(m)
	if err != nil {
		return nil, err
	}
	return cf.globalMinimum(), nil
}

func (mvo *MVOptimizer) efficientRisk(m MomentEstimate, targetVol float64, c Constraints) ([]float64, error) {
	targetVar := targetVol * targetVol

	if !c.NoShort {
		cf, err := newClosedForm(m)
		if err != nil {
			return nil, err
		}
		gmvVar := 1 / cf.a
		if targetVar < gmvVar*(1-1e-9) {
			return nil, fmt.Errorf("%w: target volatility %.6g is below the minimum %.6g", ErrInfeasible, targetVol, math.Sqrt(gmvVar))
		}
		if cf.degenerate() {
			return cf.globalMinimum(), nil
		}
		// Upper root of σ²(t) = (a t² - 2 b t + c) / d
		t := (cf.b + math.Sqrt(math.Max(0, cf.d*(cf.a*targetVar-1)))) / cf.a
		return cf.targetReturn(t, returnTolerance(m.Mean))
	}

	gmv, err := mvo.budgetOnly(m, allIndices(m.N()))
	if err != nil {
		return nil, err
	}
	gmvVar := m.PortfolioVariance(gmv)
	if targetVar < gmvVar*(1-1e-9) {
		return nil, fmt.Errorf("%w: target volatility %.6g is below the long-only minimum %.6g", ErrInfeasible, targetVol, math.Sqrt(gmvVar))
	}

	hi := m.Mean[argmax(m.Mean)]
	top, err := mvo.minVarianceLongOnly(m, hi)
	if err != nil {
		return nil, err
	}
	if m.PortfolioVariance(top) <= targetVar {
		return top, nil
	}

	// Variance is increasing in target return along the efficient branch.
	lo := m.PortfolioReturn(gmv)
	best := gmv
	for i := 0; i < 100 && hi-lo > 1e-12*(1+math.Abs(hi)); i++ {
		mid := 0.5 * (lo + hi)
		w, err := mvo.minVarianceLongOnly(m, mid)
		if err != nil {
			return nil, err
		}
		if m.PortfolioVariance(w) <= targetVar {
			lo, best = mid, w
		} else {
			hi = mid
		}
	}
	return best, nil
}

// minVarianceLongOnly solves min wᵀΣw s.t. Σw = 1, w·μ = target, w ≥ 0.
func (mvo *MVOptimizer) minVarianceLongOnly(m MomentEstimate, target float64) ([]float64, error) {
	mu := m.Mean
	n := len(mu)
	lo, hi := argmin(mu), argmax(mu)
	tol := returnTolerance(mu)

	if target > mu[hi]+tol || target < mu[lo]-tol {
		return nil, fmt.Errorf("%w: target return %.6g outside achievable range [%.6g, %.6g]", ErrInfeasible, target, mu[lo], mu[hi])
	}

	span := mu[hi] - mu[lo]
	switch {
	case span <= tol:
		// Every portfolio earns the same return; only the budget binds.
		return mvo.budgetOnly(m, allIndices(n))
	case target >= mu[hi]-tol:
		return mvo.budgetOnly(m, indicesWhere(mu, func(v float64) bool { return v >= mu[hi]-tol }))
	case target <= mu[lo]+tol:
		return mvo.budgetOnly(m, indicesWhere(mu, func(v float64) bool { return v <= mu[lo]+tol }))
	}

	x0 := make([]float64, n)
	lambda := (target - mu[lo]) / span
	x0[lo] = 1 - lambda
	x0[hi] = lambda

	a := mat.NewDense(2, n, nil)
	for i := 0; i < n; i++ {
		a.Set(0, i, 1)
		a.Set(1, i, mu[i])
	}
	w, err := mvo.solver.solve(qpProblem{H: m.Covariance, A: a}, x0)
	if err != nil {
		return nil, err
	}
	return normalizeLongOnly(w)
}

// minVarianceLongOnlyUnbudgeted solves min wᵀΣw s.t. w·μ = target, w ≥ 0.
func (mvo *MVOptimizer) minVarianceLongOnlyUnbudgeted(m MomentEstimate, target float64) ([]float64, error) {
	mu := m.Mean
	n := len(mu)
	tol := returnTolerance(mu)
	if math.Abs(target) <= tol {
		return make([]float64, n), nil
	}

	pivot := argmax(mu)
	if target < 0 {
		pivot = argmin(mu)
	}
	if mu[pivot]*target <= 0 || math.Abs(mu[pivot]) <= tol {
		return nil, fmt.Errorf("%w: no long position reaches target return %.6g", ErrInfeasible, target)
	}

	x0 := make([]float64, n)
	x0[pivot] = target / mu[pivot]
	a := mat.NewDense(1, n, append([]float64(nil), mu...))
	w, err := mvo.solver.solve(qpProblem{H: m.Covariance, A: a}, x0)
	if err != nil {
		return nil, err
	}
	clampNegligible(w)
	return w, nil
}

// budgetOnly solves min wᵀΣw s.t. Σw = 1, w ≥ 0 over a subset of assets.
func (mvo *MVOptimizer) budgetOnly(m MomentEstimate, subset []int) ([]float64, error) {
	n := m.N()
	if len(subset) == 1 {
		w := make([]float64, n)
		w[subset[0]] = 1
		return w, nil
	}

	k := len(subset)
	h := mat.NewSymDense(k, nil)
	for a, i := range subset {
		for b := a; b < k; b++ {
			h.SetSym(a, b, m.Covariance.At(i, subset[b]))
		}
	}
	ones := make([]float64, k)
	x0 := make([]float64, k)
	for i := range ones {
		ones[i] = 1
		x0[i] = 1 / float64(k)
	}

	sub, err := mvo.solver.solve(qpProblem{H: h, A: mat.NewDense(1, k, ones)}, x0)
	if err != nil {
		return nil, err
	}
	w := make([]float64, n)
	for a, i := range subset {
		w[i] = sub[a]
	}
	return normalizeLongOnly(w)
}

// closedForm caches Σ⁻¹1 and Σ⁻¹μ and the scalars of the two-fund solution:
// a = 1ᵀΣ⁻¹1, b = 1ᵀΣ⁻¹μ, c = μᵀΣ⁻¹μ, d = ac - b².
type closedForm struct {
	chol       mat.Cholesky
	invOnes    []float64
	invMu      []float64
	a, b, c, d float64
}

func newClosedForm(m MomentEstimate) (*closedForm, error) {
	cf := &closedForm{}
	if ok := cf.chol.Factorize(m.Covariance); !ok {
		return nil, fmt.Errorf("%w: covariance matrix is not positive definite", ErrInfeasible)
	}
	if cond := cf.chol.Cond(); cond > maxConditionNumber || math.IsNaN(cond) {
		return nil, fmt.Errorf("%w: covariance matrix is numerically singular (condition %.3g)", ErrInfeasible, cond)
	}

	n := m.N()
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	var err error
	if cf.invOnes, err = cf.solve(ones); err != nil {
		return nil, err
	}
	if cf.invMu, err = cf.solve(m.Mean); err != nil {
		return nil, err
	}

	for i := 0; i < n; i++ {
		cf.a += cf.invOnes[i]
		cf.b += cf.invMu[i]
		cf.c += m.Mean[i] * cf.invMu[i]
	}
	cf.d = cf.a*cf.c - cf.b*cf.b
	return cf, nil
}

func (cf *closedForm) solve(rhs []float64) ([]float64, error) {
	var x mat.VecDense
	if err := cf.chol.SolveVecTo(&x, mat.NewVecDense(len(rhs), append([]float64(nil), rhs...))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfeasible, err)
	}
	out := make([]float64, len(rhs))
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

// degenerate reports whether μ is (numerically) proportional to 1 under Σ⁻¹.
func (cf *closedForm) degenerate() bool {
	return cf.d <= 1e-12*math.Max(cf.a*cf.c, 1e-300)
}

func (cf *closedForm) globalMinimum() []float64 {
	w := make([]float64, len(cf.invOnes))
	for i, v := range cf.invOnes {
		w[i] = v / cf.a
	}
	return w
}

func (cf *closedForm) targetReturn(t, tol float64) ([]float64, error) {
	if cf.degenerate() {
		if gmvReturn := cf.b / cf.a; math.Abs(t-gmvReturn) <= tol {
			return cf.globalMinimum(), nil
		}
		return nil, fmt.Errorf("%w: all assets share one expected return, target %.6g unreachable", ErrInfeasible, t)
	}
	w := make([]float64, len(cf.invOnes))
	l1 := (cf.c - cf.b*t) / cf.d
	l2 := (cf.a*t - cf.b) / cf.d
	for i := range w {
		w[i] = l1*cf.invOnes[i] + l2*cf.invMu[i]
	}
	return w, nil
}

func (cf *closedForm) targetReturnUnbudgeted(t, tol float64) ([]float64, error) {
	if cf.c <= 1e-300 {
		if math.Abs(t) <= tol {
			return make([]float64, len(cf.invMu)), nil
		}
		return nil, fmt.Errorf("%w: expected returns are all zero, target %.6g unreachable", ErrInfeasible, t)
	}
	w := make([]float64, len(cf.invMu))
	for i, v := range cf.invMu {
		w[i] = t * v / cf.c
	}
	return w, nil
}

// normalizeLongOnly zeroes round-off negatives and rescales to sum 1.
func normalizeLongOnly(w []float64) ([]float64, error) {
	clampNegligible(w)
	total := 0.0
	for _, v := range w {
		total += v
	}
	if !(total > 0) {
		return nil, fmt.Errorf("%w: solver returned an empty allocation", ErrInfeasible)
	}
	for i := range w {
		w[i] /= total
	}
	return w, nil
}

func clampNegligible(w []float64) {
	for i, v := range w {
		if v < 0 {
			w[i] = 0
		}
	}
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func argmin(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] < v[best] {
			best = i
		}
	}
	return best
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func indicesWhere(v []float64, keep func(float64) bool) []int {
	var idx []int
	for i, x := range v {
		if keep(x) {
			idx = append(idx, i)
		}
	}
	return idx
}
