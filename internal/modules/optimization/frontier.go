package optimization

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PointEvent reports the outcome of one frontier target.
type PointEvent struct {
	Index   int            `json:"index"`
	Total   int            `json:"total"`
	Target  float64        `json:"target"`
	Point   *FrontierPoint `json:"point,omitempty"`
	Skipped string         `json:"skipped,omitempty"`
}

// PointCallback receives frontier progress. Calls are serialised but arrive
// in completion order, not target order.
type PointCallback func(PointEvent)

// DefaultMaxFrontierSteps caps the number of targets in a single sweep.
const DefaultMaxFrontierSteps = 10000

// FrontierGenerator sweeps target returns through the optimizer.
type FrontierGenerator struct {
	optimizer *MVOptimizer
	workers   int
	maxSteps  int
	log       zerolog.Logger
}

// NewFrontierGenerator creates a frontier generator solving up to workers targets at once.
func NewFrontierGenerator(optimizer *MVOptimizer, workers int, log zerolog.Logger) *FrontierGenerator {
	if workers < 1 {
		workers = 1
	}
	return &FrontierGenerator{
		optimizer: optimizer,
		workers:   workers,
		maxSteps:  DefaultMaxFrontierSteps,
		log:       log.With().Str("component", "frontier").Logger(),
	}
}

// SetMaxSteps sets the largest steps value Generate accepts.
// Values below 2 restore DefaultMaxFrontierSteps.
func (g *FrontierGenerator) SetMaxSteps(n int) {
	if n < 2 {
		n = DefaultMaxFrontierSteps
	}
	g.maxSteps = n
}

// Generate solves MinVariance at steps equally spaced targets across r.
// Targets without a solution are skipped and listed in Frontier.Skipped.
func (g *FrontierGenerator) Generate(ctx context.Context, m MomentEstimate, r ReturnRange, steps int, c Constraints) (Frontier, error) {
	return g.GenerateWithProgress(ctx, m, r, steps, c, nil)
}

// GenerateWithProgress is Generate with a per-target callback.
func (g *FrontierGenerator) GenerateWithProgress(
	ctx context.Context,
	m MomentEstimate,
	r ReturnRange,
	steps int,
	c Constraints,
	onPoint PointCallback,
) (Frontier, error) {
	if steps < 2 {
		return Frontier{}, fmt.Errorf("%w: frontier needs at least 2 steps, got %d", ErrInvalidParameter, steps)
	}
	if steps > g.maxSteps {
		return Frontier{}, fmt.Errorf("%w: frontier allows at most %d steps, got %d", ErrInvalidParameter, g.maxSteps, steps)
	}
	if !finite(r.Min) || !finite(r.Max) || r.Min > r.Max {
		return Frontier{}, fmt.Errorf("%w: invalid return range [%v, %v]", ErrInvalidParameter, r.Min, r.Max)
	}
	if err := m.validate(); err != nil {
		return Frontier{}, err
	}

	targets := make([]float64, steps)
	delta := (r.Max - r.Min) / float64(steps-1)
	for i := range targets {
		targets[i] = r.Min + float64(i)*delta
	}
	targets[steps-1] = r.Max

	type outcome struct {
		point  *FrontierPoint
		reason string
	}
	outcomes := make([]outcome, steps)

	var mu sync.Mutex
	report := func(ev PointEvent) {
		if onPoint == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onPoint(ev)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i, target := range targets {
		i, target := i, target
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			w, err := g.optimizer.Optimize(m, MinVariance{TargetReturn: target}, c)
			if err != nil {
				if IsSkippable(err) {
					outcomes[i] = outcome{reason: err.Error()}
					report(PointEvent{Index: i, Total: steps, Target: target, Skipped: err.Error()})
					return nil
				}
				return fmt.Errorf("frontier target %.6g: %w", target, err)
			}
			variance := m.PortfolioVariance(w.Weights)
			p := &FrontierPoint{
				TargetReturn: target,
				Return:       m.PortfolioReturn(w.Weights),
				Variance:     variance,
				Volatility:   math.Sqrt(variance),
				Weights:      w,
			}
			outcomes[i] = outcome{point: p}
			report(PointEvent{Index: i, Total: steps, Target: target, Point: p})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Frontier{}, err
	}

	frontier := Frontier{Points: make([]FrontierPoint, 0, steps)}
	for i, o := range outcomes {
		if o.point != nil {
			frontier.Points = append(frontier.Points, *o.point)
			continue
		}
		frontier.Skipped = append(frontier.Skipped, SkippedTarget{TargetReturn: targets[i], Reason: o.reason})
		g.log.Warn().
			Float64("target_return", targets[i]).
			Str("reason", o.reason).
			Msg("Skipped frontier target")
	}

	if len(frontier.Points) == 0 {
		g.log.Warn().
			Float64("min", r.Min).
			Float64("max", r.Max).
			Int("steps", steps).
			Msg("Efficient frontier is empty, return range is likely misconfigured")
	}

	return frontier, nil
}

// SuggestedRange spans from the minimum-volatility return to the highest asset mean.
func (g *FrontierGenerator) SuggestedRange(m MomentEstimate, c Constraints) (ReturnRange, error) {
	if err := m.validate(); err != nil {
		return ReturnRange{}, err
	}
	c.FullyInvested = true
	w, err := g.optimizer.Optimize(m, MinVolatility{}, c)
	if err != nil {
		return ReturnRange{}, err
	}
	lo := m.PortfolioReturn(w.Weights)
	hi := m.Mean[argmax(m.Mean)]
	if lo > hi {
		lo = hi
	}
	return ReturnRange{Min: lo, Max: hi}, nil
}
