package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
)

// Optimizer is the subset of the optimizer service used by scheduled runs
type Optimizer interface {
	Optimize(ctx context.Context, req optimization.Request) (*optimization.Result, error)
	Frontier(ctx context.Context, req optimization.FrontierRequest, onPoint optimization.PointCallback) (*optimization.FrontierResult, error)
}

// ScheduledOptimizationJob recomputes the reference portfolios and frontier
// for a fixed ticker list. Results are persisted by the optimizer's run store.
type ScheduledOptimizationJob struct {
	optimizer  Optimizer
	tickers    []string
	objectives []string
	timeout    time.Duration
	log        zerolog.Logger
}

// NewScheduledOptimizationJob creates a new ScheduledOptimizationJob
func NewScheduledOptimizationJob(optimizer Optimizer, tickers []string, log zerolog.Logger) *ScheduledOptimizationJob {
	return &ScheduledOptimizationJob{
		optimizer:  optimizer,
		tickers:    tickers,
		objectives: []string{"max_sharpe", "min_volatility"},
		timeout:    5 * time.Minute,
		log:        log.With().Str("job", "scheduled_optimization").Logger(),
	}
}

// Name returns the job name
func (j *ScheduledOptimizationJob) Name() string {
	return "scheduled_optimization"
}

// Run executes the scheduled optimization job
func (j *ScheduledOptimizationJob) Run() error {
	if len(j.tickers) == 0 {
		j.log.Debug().Msg("No tickers configured, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var errs []error
	for _, objective := range j.objectives {
		result, err := j.optimizer.Optimize(ctx, optimization.Request{Tickers: j.tickers, Objective: objective})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", objective, err))
			continue
		}
		j.log.Info().
			Str("objective", result.Objective).
			Str("run_id", result.RunID).
			Float64("expected_return", result.ExpectedReturn).
			Float64("volatility", result.Volatility).
			Float64("sharpe", result.SharpeRatio).
			Msg("Scheduled optimization completed")
	}

	frontier, err := j.optimizer.Frontier(ctx, optimization.FrontierRequest{Request: optimization.Request{Tickers: j.tickers}}, nil)
	if err != nil {
		errs = append(errs, fmt.Errorf("frontier: %w", err))
	} else {
		j.log.Info().
			Str("run_id", frontier.RunID).
			Int("points", len(frontier.Frontier.Points)).
			Int("skipped", len(frontier.Frontier.Skipped)).
			Msg("Scheduled frontier completed")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("scheduled optimization failed: %w", err)
	}
	return nil
}
