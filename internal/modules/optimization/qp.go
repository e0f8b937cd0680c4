package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// qpProblem is: minimise ½ xᵀHx subject to Ax = b and x ≥ 0.
// b is implied by the feasible starting point handed to the solver.
type qpProblem struct {
	H *mat.SymDense
	A *mat.Dense
}

// activeSetSolver is a primal active-set method over the bound constraints.
// Each iteration minimises on the face defined by the free variables using a
// null-space basis of the equality rows restricted to that face.
type activeSetSolver struct {
	maxIterations int
	tolerance     float64
}

func newActiveSetSolver(cfg SolverConfig) activeSetSolver {
	cfg = cfg.withDefaults()
	return activeSetSolver{maxIterations: cfg.MaxIterations, tolerance: cfg.Tolerance}
}

// face holds the SVD of the equality rows restricted to the free variables.
type face struct {
	idx    []int
	u, v   mat.Dense
	values []float64
	rank   int
}

func (s activeSetSolver) solve(p qpProblem, x0 []float64) ([]float64, error) {
	n := len(x0)
	x := make([]float64, n)
	free := make([]bool, n)
	for i, v := range x0 {
		if v > 0 {
			x[i] = v
			free[i] = true
		}
	}

	for iter := 0; iter < s.maxIterations; iter++ {
		g := hessianProduct(p.H, x)

		f, err := s.factorFace(p.A, free)
		if err != nil {
			return nil, err
		}
		step, err := s.faceStep(p.H, f, g)
		if err != nil {
			return nil, err
		}

		if maxAbs(step) <= s.tolerance*(1+maxAbs(x)) {
			j := s.releaseCandidate(p.A, f, free, g)
			if j < 0 {
				return x, nil
			}
			free[j] = true
			continue
		}

		// Ratio test against the bounds of the free variables.
		alpha := 1.0
		blocking := -1
		noise := 1e-14 * (1 + maxAbs(step))
		for k, i := range f.idx {
			if step[k] < -noise {
				if a := -x[i] / step[k]; a < alpha {
					alpha = a
					blocking = i
				}
			}
		}
		for k, i := range f.idx {
			x[i] += alpha * step[k]
		}
		if blocking >= 0 {
			x[blocking] = 0
			free[blocking] = false
		}
	}

	return nil, fmt.Errorf("%w: active-set solver exceeded %d iterations", ErrNotConverged, s.maxIterations)
}

func (s activeSetSolver) factorFace(a *mat.Dense, free []bool) (*face, error) {
	f := &face{}
	for i, ok := range free {
		if ok {
			f.idx = append(f.idx, i)
		}
	}
	if len(f.idx) == 0 {
		return nil, fmt.Errorf("%w: no free variables left", ErrInfeasible)
	}

	k, _ := a.Dims()
	af := mat.NewDense(k, len(f.idx), nil)
	for c, i := range f.idx {
		for r := 0; r < k; r++ {
			af.Set(r, c, a.At(r, i))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(af, mat.SVDFull); !ok {
		return nil, fmt.Errorf("%w: SVD of constraint rows failed", ErrNotConverged)
	}
	f.values = svd.Values(nil)
	threshold := 1e-12
	if len(f.values) > 0 {
		threshold *= math.Max(1, f.values[0])
	}
	for _, sv := range f.values {
		if sv > threshold {
			f.rank++
		}
	}
	svd.UTo(&f.u)
	svd.VTo(&f.v)
	return f, nil
}

// faceStep returns the step over the free variables that minimises the
// objective while keeping the equality rows satisfied.
func (s activeSetSolver) faceStep(h *mat.SymDense, f *face, g []float64) ([]float64, error) {
	nf := len(f.idx)
	dim := nf - f.rank
	step := make([]float64, nf)
	if dim == 0 {
		return step, nil
	}

	z := f.v.Slice(0, nf, f.rank, nf)
	hff := mat.NewSymDense(nf, nil)
	gf := mat.NewVecDense(nf, nil)
	for a, i := range f.idx {
		gf.SetVec(a, g[i])
		for b := a; b < nf; b++ {
			hff.SetSym(a, b, h.At(i, f.idx[b]))
		}
	}

	var hz, reduced mat.Dense
	hz.Mul(hff, z)
	reduced.Mul(z.T(), &hz)
	rh := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			rh.SetSym(i, j, 0.5*(reduced.At(i, j)+reduced.At(j, i)))
		}
	}

	var rhs mat.VecDense
	rhs.MulVec(z.T(), gf)
	rhs.ScaleVec(-1, &rhs)

	var chol mat.Cholesky
	if ok := chol.Factorize(rh); !ok {
		// Semi-definite on this face: regularise lightly.
		ridge := 1e-12 * (1 + mat.Trace(rh)/float64(dim))
		for i := 0; i < dim; i++ {
			rh.SetSym(i, i, rh.At(i, i)+ridge)
		}
		if ok := chol.Factorize(rh); !ok {
			return nil, fmt.Errorf("%w: reduced covariance is not positive definite", ErrInfeasible)
		}
	}

	var zs mat.VecDense
	if err := chol.SolveVecTo(&zs, &rhs); err != nil {
		return nil, fmt.Errorf("%w: reduced system: %v", ErrInfeasible, err)
	}

	var pf mat.VecDense
	pf.MulVec(z, &zs)
	for k := range step {
		step[k] = pf.AtVec(k)
	}
	return step, nil
}

// releaseCandidate returns the bound variable with the most negative
// multiplier, or -1 when the current point is optimal.
func (s activeSetSolver) releaseCandidate(a *mat.Dense, f *face, free []bool, g []float64) int {
	k, _ := a.Dims()
	nf := len(f.idx)

	// Least-squares equality multipliers: A_Fᵀλ ≈ g_F via the SVD of A_F.
	lambda := make([]float64, k)
	for c := 0; c < f.rank; c++ {
		proj := 0.0
		for r := 0; r < nf; r++ {
			proj += f.v.At(r, c) * g[f.idx[r]]
		}
		proj /= f.values[c]
		for r := 0; r < k; r++ {
			lambda[r] += proj * f.u.At(r, c)
		}
	}

	best := -1
	bestNu := -s.tolerance * (1 + maxAbs(g))
	for j, isFree := range free {
		if isFree {
			continue
		}
		nu := g[j]
		for r := 0; r < k; r++ {
			nu -= a.At(r, j) * lambda[r]
		}
		if nu < bestNu {
			bestNu = nu
			best = j
		}
	}
	return best
}

func hessianProduct(h *mat.SymDense, x []float64) []float64 {
	var out mat.VecDense
	out.MulVec(h, mat.NewVecDense(len(x), x))
	res := make([]float64, len(x))
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}
