package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	"github.com/manujajay/portfolio-optimize/internal/modules/runs"
)

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

// weightsTable renders weights sorted by descending allocation
func weightsTable(sb *strings.Builder, w optimization.WeightVector) {
	idx := make([]int, len(w.Assets))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return w.Weights[idx[a]] > w.Weights[idx[b]] })

	sb.WriteString("| Asset | Weight |\n|:---|---:|\n")
	for _, i := range idx {
		fmt.Fprintf(sb, "| %s | %s |\n", w.Assets[i], pct(w.Weights[i]))
	}
}

// ResultMarkdown renders an optimization result as a markdown report
func ResultMarkdown(res *optimization.Result) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Portfolio: %s\n\n", res.Objective)
	fmt.Fprintf(&sb, "%s to %s, %d periods", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"), res.Periods)
	if res.RunID != "" {
		fmt.Fprintf(&sb, ", run `%s`", res.RunID)
	}
	sb.WriteString("\n\n## Weights\n\n")
	weightsTable(&sb, res.Weights)

	sb.WriteString("\n## Metrics\n\n| Metric | Value |\n|:---|---:|\n")
	fmt.Fprintf(&sb, "| Expected return | %s |\n", pct(res.ExpectedReturn))
	fmt.Fprintf(&sb, "| Volatility | %s |\n", pct(res.Volatility))
	fmt.Fprintf(&sb, "| Sharpe ratio | %.3f |\n", res.SharpeRatio)
	fmt.Fprintf(&sb, "| Risk-free rate | %s |\n", pct(res.RiskFreeRate))

	if len(res.HighCorrelations) > 0 {
		sb.WriteString("\n## Highly correlated pairs\n\n| Pair | Correlation |\n|:---|---:|\n")
		for _, p := range res.HighCorrelations {
			fmt.Fprintf(&sb, "| %s / %s | %.2f |\n", p.Asset1, p.Asset2, p.Correlation)
		}
	}
	return sb.String()
}

// FrontierMarkdown renders the frontier points and its notable portfolios
func FrontierMarkdown(res *optimization.FrontierResult) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Efficient frontier\n\n%s to %s, target returns %s to %s\n\n",
		res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"), pct(res.Range.Min), pct(res.Range.Max))

	sb.WriteString("| # | Return | Volatility |\n|---:|---:|---:|\n")
	for i, p := range res.Frontier.Points {
		fmt.Fprintf(&sb, "| %d | %s | %s |\n", i+1, pct(p.Return), pct(p.Volatility))
	}

	if len(res.Frontier.Skipped) > 0 {
		fmt.Fprintf(&sb, "\n%d targets had no solution.\n", len(res.Frontier.Skipped))
	}

	if res.MinVolatility != nil {
		fmt.Fprintf(&sb, "\n## Minimum volatility (%s return, %s volatility)\n\n", pct(res.MinVolatility.Return), pct(res.MinVolatility.Volatility))
		weightsTable(&sb, res.MinVolatility.Weights)
	}
	if res.MaxSharpe != nil {
		fmt.Fprintf(&sb, "\n## Maximum Sharpe (%s return, %s volatility)\n\n", pct(res.MaxSharpe.Return), pct(res.MaxSharpe.Volatility))
		weightsTable(&sb, res.MaxSharpe.Weights)
	}
	return sb.String()
}

// BacktestMarkdown renders the optimized weights and their backtest report
func BacktestMarkdown(res *optimization.BacktestResult) string {
	var sb strings.Builder
	sb.WriteString(ResultMarkdown(res.Result))

	r := res.Report
	sb.WriteString("\n## Backtest\n\n| Metric | Value |\n|:---|---:|\n")
	fmt.Fprintf(&sb, "| Total return | %s |\n", pct(r.TotalReturn))
	fmt.Fprintf(&sb, "| Annualized return | %s |\n", pct(r.AnnualizedReturn))
	fmt.Fprintf(&sb, "| Annualized volatility | %s |\n", pct(r.AnnualizedVolatility))
	if r.SharpeRatio != nil {
		fmt.Fprintf(&sb, "| Sharpe ratio | %.3f |\n", *r.SharpeRatio)
	} else {
		sb.WriteString("| Sharpe ratio | n/a |\n")
	}
	fmt.Fprintf(&sb, "| Max drawdown | %s |\n", pct(r.MaxDrawdown))
	return sb.String()
}

// RunsMarkdown renders a run history listing
func RunsMarkdown(list []runs.Run) string {
	if len(list) == 0 {
		return "No runs recorded.\n"
	}
	var sb strings.Builder
	sb.WriteString("| Created | Kind | Objective | Tickers | ID |\n|:---|:---|:---|:---|:---|\n")
	for _, r := range list {
		objective := r.Objective
		if objective == "" {
			objective = "-"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | `%s` |\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Kind, objective, strings.Join(r.Tickers, ", "), r.ID)
	}
	return sb.String()
}
