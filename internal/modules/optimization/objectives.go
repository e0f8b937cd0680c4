package optimization

import (
	"fmt"
	"strings"
)

// Objective is the goal handed to the optimizer. The set of objectives is closed.
type Objective interface {
	Name() string
	objective()
}

// MinVariance minimises portfolio variance subject to w·μ = TargetReturn.
type MinVariance struct {
	TargetReturn float64
}

// MaxSharpe maximises (w·μ - RiskFreeRate) / sqrt(wᵀΣw).
// RiskFreeRate must be in the same periodicity as the moments.
type MaxSharpe struct {
	RiskFreeRate float64
}

// MinVolatility is the global minimum variance portfolio.
type MinVolatility struct{}

// EfficientRisk maximises expected return with volatility at most TargetVolatility.
type EfficientRisk struct {
	TargetVolatility float64
}

// Linkage is the agglomerative clustering rule used by RiskParity.
type Linkage string

const (
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageAverage  Linkage = "average"
)

// RiskParity is hierarchical risk parity. It is always long-only and fully invested.
type RiskParity struct {
	Linkage Linkage
}

func (MinVariance) Name() string   { return "min_variance" }
func (MaxSharpe) Name() string     { return "max_sharpe" }
func (MinVolatility) Name() string { return "min_volatility" }
func (EfficientRisk) Name() string { return "efficient_risk" }
func (RiskParity) Name() string    { return "risk_parity" }

func (MinVariance) objective()   {}
func (MaxSharpe) objective()     {}
func (MinVolatility) objective() {}
func (EfficientRisk) objective() {}
func (RiskParity) objective()    {}

// ObjectiveParams carries the optional inputs of ParseObjective.
type ObjectiveParams struct {
	TargetReturn     *float64
	TargetVolatility *float64
	RiskFreeRate     float64
	Linkage          string
}

// ParseObjective maps an objective name to its value.
func ParseObjective(name string, p ObjectiveParams) (Objective, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "max_sharpe", "sharpe":
		if !finite(p.RiskFreeRate) {
			return nil, fmt.Errorf("%w: risk-free rate must be finite", ErrInvalidParameter)
		}
		return MaxSharpe{RiskFreeRate: p.RiskFreeRate}, nil
	case "min_variance", "efficient_return":
		if p.TargetReturn == nil || !finite(*p.TargetReturn) {
			return nil, fmt.Errorf("%w: min_variance requires a finite target return", ErrInvalidParameter)
		}
		return MinVariance{TargetReturn: *p.TargetReturn}, nil
	case "min_volatility", "gmv":
		return MinVolatility{}, nil
	case "efficient_risk":
		if p.TargetVolatility == nil || !finite(*p.TargetVolatility) || *p.TargetVolatility <= 0 {
			return nil, fmt.Errorf("%w: efficient_risk requires a positive target volatility", ErrInvalidParameter)
		}
		return EfficientRisk{TargetVolatility: *p.TargetVolatility}, nil
	case "risk_parity", "hrp":
		linkage := Linkage(strings.ToLower(p.Linkage))
		switch linkage {
		case "":
			linkage = LinkageSingle
		case LinkageSingle, LinkageComplete, LinkageAverage:
		default:
			return nil, fmt.Errorf("%w: unknown linkage %q", ErrInvalidParameter, p.Linkage)
		}
		return RiskParity{Linkage: linkage}, nil
	default:
		return nil, fmt.Errorf("%w: unknown objective %q", ErrInvalidParameter, name)
	}
}

func validateObjective(obj Objective) error {
	switch o := obj.(type) {
	case MinVariance:
		if !finite(o.TargetReturn) {
			return fmt.Errorf("%w: target return must be finite", ErrInvalidParameter)
		}
	case MaxSharpe:
		if !finite(o.RiskFreeRate) {
			return fmt.Errorf("%w: risk-free rate must be finite", ErrInvalidParameter)
		}
	case EfficientRisk:
		if !finite(o.TargetVolatility) || o.TargetVolatility <= 0 {
			return fmt.Errorf("%w: target volatility must be positive", ErrInvalidParameter)
		}
	case MinVolatility, RiskParity:
	case nil:
		return fmt.Errorf("%w: objective is required", ErrInvalidParameter)
	default:
		return fmt.Errorf("%w: unsupported objective %T", ErrInvalidParameter, obj)
	}
	return nil
}
