// Package optimization provides mean-variance portfolio optimization: return
// series construction, moment estimation, the optimizer itself, efficient
// frontier sweeps and constant-mix backtests.
package optimization

// Constraints restrict the feasible weight vectors.
type Constraints struct {
	// FullyInvested requires the weights to sum to 1.
	FullyInvested bool `json:"fully_invested"`
	// NoShort requires every weight to be non-negative.
	NoShort bool `json:"no_short"`
}

// DefaultConstraints is fully invested and long-only.
func DefaultConstraints() Constraints {
	return Constraints{FullyInvested: true, NoShort: true}
}

// SolverConfig bounds the iterative solvers.
type SolverConfig struct {
	MaxIterations int
	Tolerance     float64
}

// DefaultSolverConfig returns the solver limits used when none are configured.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{MaxIterations: 500, Tolerance: 1e-10}
}

func (c SolverConfig) withDefaults() SolverConfig {
	d := DefaultSolverConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	return c
}
