// Package charts renders PNG charts for frontiers and allocations.
package charts

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	charts "github.com/vicanso/go-charts/v2"

	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
)

// ErrNoData is returned when there is nothing to draw
var ErrNoData = errors.New("no chart data")

// minSliceWeight hides allocations that would render as empty pie slices.
const minSliceWeight = 1e-4

// ChartDataPoint represents a single point on the frontier chart
type ChartDataPoint struct {
	Volatility float64 `json:"volatility"`
	Return     float64 `json:"return"`
}

// Service provides chart rendering
type Service struct {
	width  int
	height int
	log    zerolog.Logger
}

// NewService creates a new charts service
func NewService(log zerolog.Logger) *Service {
	return &Service{
		width:  900,
		height: 600,
		log:    log.With().Str("service", "charts").Logger(),
	}
}

// FrontierSeries returns the frontier as (volatility, return) pairs
func FrontierSeries(f optimization.Frontier) []ChartDataPoint {
	out := make([]ChartDataPoint, len(f.Points))
	for i, p := range f.Points {
		out[i] = ChartDataPoint{Volatility: p.Volatility, Return: p.Return}
	}
	return out
}

// RenderFrontier draws expected return against volatility.
func (s *Service) RenderFrontier(res *optimization.FrontierResult) ([]byte, error) {
	if res == nil || len(res.Frontier.Points) == 0 {
		return nil, ErrNoData
	}

	points := FrontierSeries(res.Frontier)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Volatility < points[j].Volatility })

	xLabels := make([]string, len(points))
	returns := make([]float64, len(points))
	yMin, yMax := points[0].Return*100, points[0].Return*100
	for i, p := range points {
		xLabels[i] = fmt.Sprintf("%.1f%%", p.Volatility*100)
		returns[i] = p.Return * 100
		if returns[i] < yMin {
			yMin = returns[i]
		}
		if returns[i] > yMax {
			yMax = returns[i]
		}
	}
	pad := (yMax - yMin) * 0.05
	if pad == 0 {
		pad = 0.5
	}
	yMin -= pad
	yMax += pad

	splitNum := len(points) / 6
	if splitNum < 1 {
		splitNum = 1
	}

	subtitle := fmt.Sprintf("%d points", len(points))
	if n := len(res.Frontier.Skipped); n > 0 {
		subtitle += fmt.Sprintf(", %d skipped", n)
	}
	if ms := res.MaxSharpe; ms != nil {
		subtitle += fmt.Sprintf(" • max Sharpe at %.1f%% vol", ms.Volatility*100)
	}

	p, err := charts.LineRender(
		[][]float64{returns},
		charts.TitleTextOptionFunc("Efficient frontier (return % vs volatility)", subtitle),
		charts.XAxisOptionFunc(charts.XAxisOption{
			Data:        xLabels,
			SplitNumber: splitNum,
			BoundaryGap: charts.FalseFlag(),
		}),
		charts.YAxisOptionFunc(charts.YAxisOption{
			Min:         &yMin,
			Max:         &yMax,
			DivideCount: 5,
		}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(s.width),
		charts.HeightOptionFunc(s.height),
		charts.PNGTypeOption(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render frontier chart: %w", err)
	}

	buf, err := p.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chart bytes: %w", err)
	}

	s.log.Debug().Int("points", len(points)).Int("bytes", len(buf)).Msg("Rendered frontier chart")
	return buf, nil
}

// RenderWeights draws an allocation. Long-only allocations are drawn as a pie,
// anything with short positions as a bar chart.
func (s *Service) RenderWeights(title string, w optimization.WeightVector) ([]byte, error) {
	if len(w.Assets) == 0 || len(w.Assets) != len(w.Weights) {
		return nil, ErrNoData
	}

	hasShort := false
	for _, v := range w.Weights {
		if v < -minSliceWeight {
			hasShort = true
			break
		}
	}
	if title == "" {
		title = "Allocation"
	}

	var (
		p   *charts.Painter
		err error
	)
	if hasShort {
		p, err = s.renderBars(title, w)
	} else {
		p, err = s.renderPie(title, w)
	}
	if err != nil {
		return nil, err
	}

	buf, err := p.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chart bytes: %w", err)
	}
	return buf, nil
}

func (s *Service) renderPie(title string, w optimization.WeightVector) (*charts.Painter, error) {
	var values []float64
	var labels []string
	for i, a := range w.Assets {
		if w.Weights[i] < minSliceWeight {
			continue
		}
		values = append(values, w.Weights[i])
		labels = append(labels, fmt.Sprintf("%s (%.1f%%)", a, w.Weights[i]*100))
	}
	if len(values) == 0 {
		return nil, ErrNoData
	}

	p, err := charts.PieRender(
		values,
		charts.TitleTextOptionFunc(title),
		charts.LegendOptionFunc(charts.LegendOption{
			Data: labels,
			Top:  charts.PositionTop,
		}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(s.width),
		charts.HeightOptionFunc(s.height),
		charts.PNGTypeOption(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render weights chart: %w", err)
	}
	return p, nil
}

func (s *Service) renderBars(title string, w optimization.WeightVector) (*charts.Painter, error) {
	labels := make([]string, len(w.Assets))
	values := make([]float64, len(w.Weights))
	for i, a := range w.Assets {
		labels[i] = string(a)
		values[i] = w.Weights[i] * 100
	}

	p, err := charts.BarRender(
		[][]float64{values},
		charts.TitleTextOptionFunc(title, "weight % ("+strings.Join(labels, ", ")+")"),
		charts.XAxisDataOptionFunc(labels),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(s.width),
		charts.HeightOptionFunc(s.height),
		charts.PNGTypeOption(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render weights chart: %w", err)
	}
	return p, nil
}
