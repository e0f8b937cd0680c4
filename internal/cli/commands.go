// Package cli implements the optimize command line tool.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"

	"github.com/manujajay/portfolio-optimize/internal/config"
	"github.com/manujajay/portfolio-optimize/internal/di"
	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	"github.com/manujajay/portfolio-optimize/internal/modules/runs"
	"github.com/manujajay/portfolio-optimize/pkg/logger"
)

// Commands lists every subcommand of the optimize tool
var Commands = []subcommands.Command{
	&optimizeCmd{},
	&frontierCmd{},
	&backtestCmd{},
	&runsCmd{},
}

// optionalFloat is a float flag that stays nil unless set
type optionalFloat struct{ v *float64 }

func (o *optionalFloat) String() string {
	if o.v == nil {
		return ""
	}
	return strconv.FormatFloat(*o.v, 'g', -1, 64)
}

func (o *optionalFloat) Set(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	o.v = &f
	return nil
}

// optionalBool is a bool flag that stays nil unless set
type optionalBool struct{ v *bool }

func (o *optionalBool) String() string {
	if o.v == nil {
		return ""
	}
	return strconv.FormatBool(*o.v)
}

func (o *optionalBool) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	o.v = &b
	return nil
}

func (o *optionalBool) IsBoolFlag() bool { return true }

// requestFlags are shared by optimize, frontier and backtest
type requestFlags struct {
	tickers          string
	lookback         int
	end              string
	objective        string
	linkage          string
	targetReturn     optionalFloat
	targetVolatility optionalFloat
	riskFree         optionalFloat
	longOnly         optionalBool
	asJSON           bool
	chart            string
}

func (r *requestFlags) register(f *flag.FlagSet, withObjective bool) {
	f.StringVar(&r.tickers, "t", "", "Comma separated tickers (may also be given as arguments)")
	f.IntVar(&r.lookback, "years", 0, "Lookback in years (defaults to LOOKBACK_YEARS)")
	f.StringVar(&r.end, "d", "", "End date YYYY-MM-DD (defaults to today)")
	f.Var(&r.riskFree, "rf", "Annual risk-free rate, overrides the yield lookup")
	f.Var(&r.longOnly, "long-only", "Restrict weights to [0, 1]")
	f.BoolVar(&r.asJSON, "json", false, "Print JSON instead of a report")
	f.StringVar(&r.chart, "chart", "", "Write a PNG chart to this path")
	if withObjective {
		f.StringVar(&r.objective, "o", "max_sharpe", "Objective: max_sharpe, min_volatility, min_variance, efficient_risk, risk_parity")
		f.StringVar(&r.linkage, "linkage", "", "Linkage for risk_parity: single, complete, average")
		f.Var(&r.targetReturn, "target-return", "Target return for min_variance")
		f.Var(&r.targetVolatility, "target-vol", "Target volatility for efficient_risk")
	}
}

// request builds an optimization request from the flags and positional arguments
func (r *requestFlags) request(args []string) (optimization.Request, error) {
	var tickers []string
	for _, t := range append(strings.Split(r.tickers, ","), args...) {
		if t = strings.TrimSpace(t); t != "" {
			tickers = append(tickers, t)
		}
	}
	if len(tickers) == 0 {
		return optimization.Request{}, fmt.Errorf("at least one ticker is required")
	}

	req := optimization.Request{
		Tickers:          tickers,
		LookbackYears:    r.lookback,
		Objective:        r.objective,
		Linkage:          r.linkage,
		TargetReturn:     r.targetReturn.v,
		TargetVolatility: r.targetVolatility.v,
		RiskFreeRate:     r.riskFree.v,
		LongOnly:         r.longOnly.v,
	}
	if r.end != "" {
		end, err := time.Parse("2006-01-02", r.end)
		if err != nil {
			return optimization.Request{}, fmt.Errorf("invalid end date %q: %w", r.end, err)
		}
		req.End = end
	}
	return req, nil
}

// openContainer wires the same dependencies as the server, logging to stderr
func openContainer() (*di.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Output: os.Stderr})
	return di.Wire(cfg, log)
}

func printMarkdown(w io.Writer, md string) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err == nil {
		if out, err := r.Render(md); err == nil {
			fmt.Fprint(w, out)
			return
		}
	}
	fmt.Fprint(w, md)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return subcommands.ExitFailure
}

type optimizeCmd struct {
	flags requestFlags
}

func (*optimizeCmd) Name() string     { return "optimize" }
func (*optimizeCmd) Synopsis() string { return "compute optimal portfolio weights" }
func (*optimizeCmd) Usage() string {
	return `optimize optimize [-o <objective>] [-years n] [-d <date>] <ticker>...

  Fetches price history, estimates moments and prints the optimal weights.
`
}

func (c *optimizeCmd) SetFlags(f *flag.FlagSet) { c.flags.register(f, true) }

func (c *optimizeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	req, err := c.flags.request(f.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	container, err := openContainer()
	if err != nil {
		return fail(err)
	}
	defer container.Close()

	res, err := container.OptimizerService.Optimize(ctx, req)
	if err != nil {
		return fail(err)
	}

	if c.flags.chart != "" {
		png, err := container.ChartsService.RenderWeights(res.Objective, res.Weights)
		if err != nil {
			return fail(err)
		}
		if err := writeFile(c.flags.chart, png); err != nil {
			return fail(err)
		}
	}

	if c.flags.asJSON {
		if err := printJSON(os.Stdout, res); err != nil {
			return fail(err)
		}
		return subcommands.ExitSuccess
	}
	printMarkdown(os.Stdout, ResultMarkdown(res))
	return subcommands.ExitSuccess
}

type frontierCmd struct {
	flags     requestFlags
	steps     int
	minReturn optionalFloat
	maxReturn optionalFloat
}

func (*frontierCmd) Name() string     { return "frontier" }
func (*frontierCmd) Synopsis() string { return "trace the efficient frontier" }
func (*frontierCmd) Usage() string {
	return `optimize frontier [-n steps] [-min r] [-max r] <ticker>...

  Sweeps target returns and prints the minimum-variance portfolio for each.
`
}

func (c *frontierCmd) SetFlags(f *flag.FlagSet) {
	c.flags.register(f, false)
	f.IntVar(&c.steps, "n", 0, "Number of frontier points (defaults to FRONTIER_STEPS)")
	f.Var(&c.minReturn, "min", "Lowest target return")
	f.Var(&c.maxReturn, "max", "Highest target return")
}

func (c *frontierCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	req, err := c.flags.request(f.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	container, err := openContainer()
	if err != nil {
		return fail(err)
	}
	defer container.Close()

	res, err := container.OptimizerService.Frontier(ctx, optimization.FrontierRequest{
		Request:   req,
		Steps:     c.steps,
		MinReturn: c.minReturn.v,
		MaxReturn: c.maxReturn.v,
	}, func(ev optimization.PointEvent) {
		if !c.flags.asJSON {
			fmt.Fprintf(os.Stderr, "\r%d/%d", ev.Index+1, ev.Total)
		}
	})
	if !c.flags.asJSON {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return fail(err)
	}

	if c.flags.chart != "" {
		png, err := container.ChartsService.RenderFrontier(res)
		if err != nil {
			return fail(err)
		}
		if err := writeFile(c.flags.chart, png); err != nil {
			return fail(err)
		}
	}

	if c.flags.asJSON {
		if err := printJSON(os.Stdout, res); err != nil {
			return fail(err)
		}
		return subcommands.ExitSuccess
	}
	printMarkdown(os.Stdout, FrontierMarkdown(res))
	return subcommands.ExitSuccess
}

type backtestCmd struct {
	flags requestFlags
}

func (*backtestCmd) Name() string     { return "backtest" }
func (*backtestCmd) Synopsis() string { return "optimize and replay the weights over the lookback window" }
func (*backtestCmd) Usage() string {
	return `optimize backtest [-o <objective>] [-years n] <ticker>...

  Optimizes, then reports the constant-mix performance of the weights.
`
}

func (c *backtestCmd) SetFlags(f *flag.FlagSet) { c.flags.register(f, true) }

func (c *backtestCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	req, err := c.flags.request(f.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	container, err := openContainer()
	if err != nil {
		return fail(err)
	}
	defer container.Close()

	res, err := container.OptimizerService.Backtest(ctx, req)
	if err != nil {
		return fail(err)
	}

	if c.flags.asJSON {
		if err := printJSON(os.Stdout, res); err != nil {
			return fail(err)
		}
		return subcommands.ExitSuccess
	}
	printMarkdown(os.Stdout, BacktestMarkdown(res))
	return subcommands.ExitSuccess
}

type runsCmd struct {
	kind  string
	limit int
}

func (*runsCmd) Name() string     { return "runs" }
func (*runsCmd) Synopsis() string { return "list stored optimization runs" }
func (*runsCmd) Usage() string {
	return `optimize runs [-kind optimize|frontier|backtest] [-n limit]

  Lists the most recent runs recorded in the run history.
`
}

func (c *runsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "", "Only list runs of this kind")
	f.IntVar(&c.limit, "n", 20, "Maximum number of runs")
}

func (c *runsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	container, err := openContainer()
	if err != nil {
		return fail(err)
	}
	defer container.Close()

	list, err := container.RunsRepo.List(ctx, runs.ListFilter{Kind: c.kind, Limit: c.limit})
	if err != nil {
		return fail(err)
	}
	printMarkdown(os.Stdout, RunsMarkdown(list))
	return subcommands.ExitSuccess
}
