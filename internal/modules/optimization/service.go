package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/manujajay/portfolio-optimize/pkg/formulas"
)

// correlationThreshold flags asset pairs in results.
const correlationThreshold = 0.80

// ServiceConfig holds pipeline defaults.
type ServiceConfig struct {
	Returns          ReturnConfig
	Moments          MomentConfig
	Solver           SolverConfig
	LookbackYears    int
	LongOnly         bool
	RiskFreeSymbol   string
	RiskFreeRate     *float64 // annual; nil derives it from RiskFreeSymbol
	FrontierSteps    int
	MaxFrontierSteps int
	FrontierWorkers  int
	PeriodsPerYear   int
}

// Request describes one optimization run.
type Request struct {
	Tickers          []string  `json:"tickers"`
	LookbackYears    int       `json:"lookback_years,omitempty"`
	End              time.Time `json:"end,omitempty"`
	Objective        string    `json:"objective,omitempty"`
	TargetReturn     *float64  `json:"target_return,omitempty"`
	TargetVolatility *float64  `json:"target_volatility,omitempty"`
	Linkage          string    `json:"linkage,omitempty"`
	LongOnly         *bool     `json:"long_only,omitempty"`
	FullyInvested    *bool     `json:"fully_invested,omitempty"`
	RiskFreeRate     *float64  `json:"risk_free_rate,omitempty"` // annual
}

// FrontierRequest describes a frontier sweep.
type FrontierRequest struct {
	Request
	Steps     int      `json:"steps,omitempty"`
	MinReturn *float64 `json:"min_return,omitempty"`
	MaxReturn *float64 `json:"max_return,omitempty"`
}

// Result is the outcome of a single optimization.
type Result struct {
	RunID            string             `json:"run_id,omitempty"`
	Objective        string             `json:"objective"`
	Weights          WeightVector       `json:"weights"`
	Allocation       map[string]float64 `json:"allocation"`
	ExpectedReturn   float64            `json:"expected_return"`
	Volatility       float64            `json:"volatility"`
	SharpeRatio      float64            `json:"sharpe_ratio"`
	RiskFreeRate     float64            `json:"risk_free_rate"` // in the periodicity of the moments
	Annualized       bool               `json:"annualized"`
	Periods          int                `json:"periods"`
	Start            time.Time          `json:"start"`
	End              time.Time          `json:"end"`
	Constraints      Constraints        `json:"constraints"`
	HighCorrelations []CorrelationPair  `json:"high_correlations"`
}

// FrontierResult is a frontier plus the two reference portfolios.
type FrontierResult struct {
	RunID         string         `json:"run_id,omitempty"`
	Frontier      Frontier       `json:"frontier"`
	Range         ReturnRange    `json:"range"`
	MaxSharpe     *FrontierPoint `json:"max_sharpe,omitempty"`
	MinVolatility *FrontierPoint `json:"min_volatility,omitempty"`
	RiskFreeRate  float64        `json:"risk_free_rate"`
	Annualized    bool           `json:"annualized"`
	Periods       int            `json:"periods"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
}

// BacktestResult pairs an optimization with its in-sample backtest.
type BacktestResult struct {
	RunID  string         `json:"run_id,omitempty"`
	Result *Result        `json:"result"`
	Report BacktestReport `json:"report"`
}

// OptimizerService runs the fetch → returns → moments → optimize pipeline.
type OptimizerService struct {
	cfg       ServiceConfig
	provider  PriceProvider
	builder   *ReturnSeriesBuilder
	estimator *MomentEstimator
	optimizer *MVOptimizer
	frontier  *FrontierGenerator
	store     RunStore
	metrics   MetricsRecorder
	now       func() time.Time
	log       zerolog.Logger
}

// NewOptimizerService creates a new optimizer service.
func NewOptimizerService(cfg ServiceConfig, provider PriceProvider, log zerolog.Logger) *OptimizerService {
	if cfg.LookbackYears < 1 {
		cfg.LookbackYears = 5
	}
	if cfg.FrontierSteps < 2 {
		cfg.FrontierSteps = 50
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	optimizer := NewMVOptimizer(cfg.Solver)
	frontier := NewFrontierGenerator(optimizer, cfg.FrontierWorkers, log)
	frontier.SetMaxSteps(cfg.MaxFrontierSteps)
	return &OptimizerService{
		cfg:       cfg,
		provider:  provider,
		builder:   NewReturnSeriesBuilder(cfg.Returns),
		estimator: NewMomentEstimator(cfg.Moments),
		optimizer: optimizer,
		frontier:  frontier,
		now:       time.Now,
		log:       log.With().Str("service", "optimizer").Logger(),
	}
}

// SetRunStore enables persistence of successful runs.
func (s *OptimizerService) SetRunStore(store RunStore) {
	s.store = store
}

// SetMetrics attaches a metrics recorder.
func (s *OptimizerService) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// dataset is the estimated input shared by every service operation.
type dataset struct {
	returns    ReturnSeries
	moments    MomentEstimate
	rf         float64 // per moment period
	rfAnnual   float64
	start, end time.Time
}

func (d *dataset) annualized() bool {
	return d.moments.AnnualizationFactor > 1
}

// Optimize fetches prices for the request and returns the optimal allocation.
func (s *OptimizerService) Optimize(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	result, err := s.optimize(ctx, req)
	s.observe("optimize", req.Objective, started, err)
	if err != nil {
		return nil, err
	}
	result.RunID = s.save(ctx, "optimize", result.Objective, req.Tickers, result)
	return result, nil
}

func (s *OptimizerService) optimize(ctx context.Context, req Request) (*Result, error) {
	data, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.solve(data, req)
}

func (s *OptimizerService) solve(data *dataset, req Request) (*Result, error) {
	obj, err := ParseObjective(req.Objective, ObjectiveParams{
		TargetReturn:     req.TargetReturn,
		TargetVolatility: req.TargetVolatility,
		RiskFreeRate:     data.rf,
		Linkage:          req.Linkage,
	})
	if err != nil {
		return nil, err
	}

	c := s.constraints(req)
	w, err := s.optimizer.Optimize(data.moments, obj, c)
	if err != nil {
		return nil, err
	}

	ret := data.moments.PortfolioReturn(w.Weights)
	vol := math.Sqrt(data.moments.PortfolioVariance(w.Weights))
	return &Result{
		Objective:        obj.Name(),
		Weights:          w,
		Allocation:       w.Map(),
		ExpectedReturn:   ret,
		Volatility:       vol,
		SharpeRatio:      formulas.PortfolioSharpe(ret, vol, data.rf),
		RiskFreeRate:     data.rf,
		Annualized:       data.annualized(),
		Periods:          data.moments.Periods,
		Start:            data.start,
		End:              data.end,
		Constraints:      c,
		HighCorrelations: data.moments.HighCorrelations(correlationThreshold),
	}, nil
}

// Frontier sweeps the efficient frontier for the request's tickers.
// onPoint may be nil.
func (s *OptimizerService) Frontier(ctx context.Context, req FrontierRequest, onPoint PointCallback) (*FrontierResult, error) {
	started := time.Now()
	result, err := s.sweep(ctx, req, onPoint)
	s.observe("frontier", "min_variance", started, err)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ObserveFrontier(len(result.Frontier.Points), len(result.Frontier.Skipped), time.Since(started))
	}
	result.RunID = s.save(ctx, "frontier", "min_variance", req.Tickers, result)
	return result, nil
}

func (s *OptimizerService) sweep(ctx context.Context, req FrontierRequest, onPoint PointCallback) (*FrontierResult, error) {
	data, err := s.prepare(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	c := s.constraints(req.Request)

	r, err := s.frontier.SuggestedRange(data.moments, c)
	if err != nil {
		return nil, err
	}
	if req.MinReturn != nil {
		r.Min = *req.MinReturn
	}
	if req.MaxReturn != nil {
		r.Max = *req.MaxReturn
	}
	steps := req.Steps
	if steps == 0 {
		steps = s.cfg.FrontierSteps
	}

	frontier, err := s.frontier.GenerateWithProgress(ctx, data.moments, r, steps, c, onPoint)
	if err != nil {
		return nil, err
	}

	result := &FrontierResult{
		Frontier:     frontier,
		Range:        r,
		RiskFreeRate: data.rf,
		Annualized:   data.annualized(),
		Periods:      data.moments.Periods,
		Start:        data.start,
		End:          data.end,
	}
	result.MaxSharpe = s.referencePoint(data.moments, MaxSharpe{RiskFreeRate: data.rf}, c)
	result.MinVolatility = s.referencePoint(data.moments, MinVolatility{}, c)
	return result, nil
}

func (s *OptimizerService) referencePoint(m MomentEstimate, obj Objective, c Constraints) *FrontierPoint {
	w, err := s.optimizer.Optimize(m, obj, c)
	if err != nil {
		s.log.Debug().Err(err).Str("objective", obj.Name()).Msg("Reference portfolio unavailable")
		return nil
	}
	variance := m.PortfolioVariance(w.Weights)
	ret := m.PortfolioReturn(w.Weights)
	return &FrontierPoint{
		TargetReturn: ret,
		Return:       ret,
		Variance:     variance,
		Volatility:   math.Sqrt(variance),
		Weights:      w,
	}
}

// Backtest optimizes and then replays the allocation over the same history.
func (s *OptimizerService) Backtest(ctx context.Context, req Request) (*BacktestResult, error) {
	started := time.Now()
	result, err := s.backtest(ctx, req)
	s.observe("backtest", req.Objective, started, err)
	if err != nil {
		return nil, err
	}
	result.RunID = s.save(ctx, "backtest", result.Result.Objective, req.Tickers, result)
	return result, nil
}

func (s *OptimizerService) backtest(ctx context.Context, req Request) (*BacktestResult, error) {
	data, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := s.solve(data, req)
	if err != nil {
		return nil, err
	}
	report, err := Backtest(data.returns, result.Weights, BacktestConfig{
		PeriodsPerYear: s.cfg.PeriodsPerYear,
		RiskFreeRate:   data.rfAnnual,
	})
	if err != nil {
		return nil, err
	}
	return &BacktestResult{Result: result, Report: report}, nil
}

func (s *OptimizerService) constraints(req Request) Constraints {
	c := Constraints{FullyInvested: true, NoShort: s.cfg.LongOnly}
	if req.LongOnly != nil {
		c.NoShort = *req.LongOnly
	}
	if req.FullyInvested != nil {
		c.FullyInvested = *req.FullyInvested
	}
	return c
}

func (s *OptimizerService) window(req Request) (time.Time, time.Time) {
	end := req.End
	if end.IsZero() {
		end = s.now()
	}
	years := req.LookbackYears
	if years < 1 {
		years = s.cfg.LookbackYears
	}
	return end.AddDate(-years, 0, 0), end
}

func (s *OptimizerService) prepare(ctx context.Context, req Request) (*dataset, error) {
	assets := NormalizeAssets(req.Tickers)
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: no tickers given", ErrInvalidParameter)
	}
	if s.provider == nil {
		return nil, fmt.Errorf("%w: no price provider configured", ErrDataProvider)
	}
	start, end := s.window(req)

	prices, err := s.provider.GetPriceHistory(ctx, assets, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataProvider, err)
	}
	for _, a := range assets {
		if _, ok := prices[a]; !ok {
			return nil, fmt.Errorf("%w: no prices returned for %s", ErrInsufficientData, a)
		}
	}

	returns, err := s.builder.Build(prices)
	if err != nil {
		return nil, err
	}
	if returns.Dropped > 0 {
		s.log.Warn().
			Int("dropped", returns.Dropped).
			Msg("Dropped missing price observations")
	}

	moments, err := s.estimator.Estimate(returns)
	if err != nil {
		return nil, err
	}

	rfAnnual := s.riskFreeRate(ctx, req, start, end)
	rf := rfAnnual
	if moments.AnnualizationFactor <= 1 {
		rf = rfAnnual / float64(s.cfg.PeriodsPerYear)
	}

	s.log.Debug().
		Int("assets", len(assets)).
		Int("periods", moments.Periods).
		Float64("risk_free_rate", rfAnnual).
		Msg("Estimated moments")

	return &dataset{
		returns:  returns,
		moments:  moments,
		rf:       rf,
		rfAnnual: rfAnnual,
		start:    start,
		end:      end,
	}, nil
}

// riskFreeRate returns the annual risk-free rate: the request's, the configured
// one, or the mean of the proxy yield series (quoted in percent).
func (s *OptimizerService) riskFreeRate(ctx context.Context, req Request, start, end time.Time) float64 {
	if req.RiskFreeRate != nil {
		return *req.RiskFreeRate
	}
	if s.cfg.RiskFreeRate != nil {
		return *s.cfg.RiskFreeRate
	}
	if s.cfg.RiskFreeSymbol == "" {
		return 0
	}

	symbol := Asset(s.cfg.RiskFreeSymbol)
	series, err := s.provider.GetPriceHistory(ctx, []Asset{symbol}, start, end)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("Failed to fetch risk-free rate, using 0")
		return 0
	}

	var yields []float64
	for _, o := range series[symbol] {
		if finite(o.AdjClose) {
			yields = append(yields, o.AdjClose)
		}
	}
	if len(yields) == 0 {
		s.log.Warn().Str("symbol", string(symbol)).Msg("Risk-free proxy returned no data, using 0")
		return 0
	}
	return formulas.Mean(yields) / 100
}

func (s *OptimizerService) observe(kind, objective string, started time.Time, err error) {
	if objective == "" {
		objective = "max_sharpe"
	}
	if s.metrics != nil {
		s.metrics.ObserveOptimization(kind, objective, time.Since(started), err)
	}
	if err != nil {
		level := s.log.Error()
		if errors.Is(err, ErrInfeasible) || errors.Is(err, ErrInvalidParameter) || errors.Is(err, ErrInsufficientData) {
			level = s.log.Warn()
		}
		level.Err(err).Str("kind", kind).Str("objective", objective).Msg("Optimization failed")
	}
}

func (s *OptimizerService) save(ctx context.Context, kind, objective string, tickers []string, payload interface{}) string {
	if s.store == nil {
		return ""
	}
	id, err := s.store.Save(ctx, kind, objective, tickers, payload)
	if err != nil {
		s.log.Error().Err(err).Str("kind", kind).Msg("Failed to persist run")
		return ""
	}
	return id
}
