package optimization

import (
	"fmt"
	"time"

	"github.com/manujajay/portfolio-optimize/pkg/formulas"
)

// BacktestConfig configures a constant-mix backtest.
type BacktestConfig struct {
	PeriodsPerYear int     // 252 for daily data
	RiskFreeRate   float64 // annual
}

// BacktestReport summarises a constant-mix portfolio over a return history.
type BacktestReport struct {
	Times                []time.Time `json:"times"`
	Equity               []float64   `json:"equity"`
	PeriodReturns        []float64   `json:"period_returns"`
	TotalReturn          float64     `json:"total_return"`
	AnnualizedReturn     float64     `json:"annualized_return"`
	AnnualizedVolatility float64     `json:"annualized_volatility"`
	SharpeRatio          *float64    `json:"sharpe_ratio,omitempty"`
	MaxDrawdown          float64     `json:"max_drawdown"`
}

// Backtest rebalances to w at the start of every period of rs.
// Equity starts at 1 before the first period.
func Backtest(rs ReturnSeries, w WeightVector, cfg BacktestConfig) (BacktestReport, error) {
	periods := rs.Periods()
	if periods == 0 {
		return BacktestReport{}, fmt.Errorf("%w: no return periods to backtest", ErrInsufficientData)
	}
	if len(w.Assets) != len(w.Weights) || len(w.Assets) == 0 {
		return BacktestReport{}, fmt.Errorf("%w: weight vector has %d assets and %d weights", ErrInvalidParameter, len(w.Assets), len(w.Weights))
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}

	portfolio := make([]float64, periods)
	for k, a := range w.Assets {
		values, ok := rs.Values[a]
		if !ok {
			return BacktestReport{}, fmt.Errorf("%w: %s has no return history", ErrAlignment, a)
		}
		if len(values) != periods {
			return BacktestReport{}, fmt.Errorf("%w: %s has %d returns, expected %d", ErrAlignment, a, len(values), periods)
		}
		for t, r := range values {
			if rs.Kind == ReturnLog {
				r = formulas.LogToSimple(r)
			}
			portfolio[t] += w.Weights[k] * r
		}
	}

	equity := formulas.EquityCurve(portfolio)
	report := BacktestReport{
		Times:                append([]time.Time(nil), rs.Times...),
		Equity:               equity,
		PeriodReturns:        portfolio,
		TotalReturn:          equity[len(equity)-1] - 1,
		AnnualizedReturn:     formulas.AnnualizedReturn(portfolio, cfg.PeriodsPerYear),
		AnnualizedVolatility: formulas.AnnualizedVolatility(portfolio, cfg.PeriodsPerYear),
		SharpeRatio:          formulas.CalculateSharpeRatio(portfolio, cfg.RiskFreeRate, cfg.PeriodsPerYear),
	}
	if dd := formulas.CalculateMaxDrawdown(equity); dd != nil {
		report.MaxDrawdown = *dd
	}
	return report, nil
}
