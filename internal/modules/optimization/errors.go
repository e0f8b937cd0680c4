package optimization

import "errors"

// Error taxonomy for the estimation and optimization pipeline.
// Callers match with errors.Is; every returned error wraps exactly one of these.
var (
	// ErrInsufficientData is returned when an asset has fewer than two valid prices.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrAlignment is returned when assets cannot be put on a common time axis.
	ErrAlignment = errors.New("alignment failed")
	// ErrDegenerateInput is returned for zero-variance assets or too few periods.
	ErrDegenerateInput = errors.New("degenerate input")
	// ErrInfeasible is returned when no weight vector satisfies the objective and constraints.
	ErrInfeasible = errors.New("infeasible")
	// ErrNotConverged is returned when the iterative solver hits its iteration limit.
	ErrNotConverged = errors.New("solver did not converge")
	// ErrInvalidParameter is returned for caller mistakes such as steps < 2 or an inverted range.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrDataProvider wraps failures of the price source.
	ErrDataProvider = errors.New("data provider failure")
)

// IsSkippable reports whether a single frontier target may be dropped instead of
// failing the whole sweep.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrInfeasible) || errors.Is(err, ErrNotConverged)
}
