package optimization

import (
	"fmt"
	"sort"
	"time"

	"github.com/manujajay/portfolio-optimize/pkg/formulas"
)

// ReturnConfig configures return series construction.
type ReturnConfig struct {
	Kind      ReturnKind
	Alignment AlignmentPolicy
	// MinWindow is the minimum number of aligned timestamps (at least 2).
	MinWindow int
}

// DefaultReturnConfig returns simple returns over the intersection of timestamps.
func DefaultReturnConfig() ReturnConfig {
	return ReturnConfig{Kind: ReturnSimple, Alignment: AlignIntersect, MinWindow: 2}
}

// ReturnSeriesBuilder turns raw price histories into aligned periodic returns.
type ReturnSeriesBuilder struct {
	cfg ReturnConfig
}

// NewReturnSeriesBuilder creates a builder, filling unset fields with defaults.
func NewReturnSeriesBuilder(cfg ReturnConfig) *ReturnSeriesBuilder {
	d := DefaultReturnConfig()
	if cfg.Kind == "" {
		cfg.Kind = d.Kind
	}
	if cfg.Alignment == "" {
		cfg.Alignment = d.Alignment
	}
	if cfg.MinWindow < 2 {
		cfg.MinWindow = d.MinWindow
	}
	return &ReturnSeriesBuilder{cfg: cfg}
}

// Build validates, aligns and converts prices to returns.
// Assets are ordered lexicographically. The input is never modified.
func (b *ReturnSeriesBuilder) Build(prices map[Asset][]PriceObservation) (ReturnSeries, error) {
	if len(prices) == 0 {
		return ReturnSeries{}, fmt.Errorf("%w: no price series", ErrInsufficientData)
	}
	if b.cfg.Kind != ReturnSimple && b.cfg.Kind != ReturnLog {
		return ReturnSeries{}, fmt.Errorf("%w: unknown return kind %q", ErrInvalidParameter, b.cfg.Kind)
	}

	assets := make([]Asset, 0, len(prices))
	for a := range prices {
		assets = append(assets, a)
	}
	sortAssets(assets)

	cleaned := make(map[Asset][]PriceObservation, len(assets))
	dropped := 0
	for _, a := range assets {
		series, n, err := cleanSeries(a, prices[a])
		if err != nil {
			return ReturnSeries{}, err
		}
		cleaned[a] = series
		dropped += n
	}

	var (
		times   []time.Time
		aligned map[Asset][]float64
		err     error
	)
	switch b.cfg.Alignment {
	case AlignIntersect:
		times, aligned = alignIntersect(assets, cleaned)
	case AlignForwardFill:
		times, aligned, err = alignForwardFill(assets, cleaned)
		if err != nil {
			return ReturnSeries{}, err
		}
	default:
		return ReturnSeries{}, fmt.Errorf("%w: unknown alignment policy %q", ErrInvalidParameter, b.cfg.Alignment)
	}

	if len(times) < b.cfg.MinWindow {
		return ReturnSeries{}, fmt.Errorf("%w: %d aligned timestamps across %d assets, need at least %d",
			ErrAlignment, len(times), len(assets), b.cfg.MinWindow)
	}

	values := make(map[Asset][]float64, len(assets))
	for _, a := range assets {
		if b.cfg.Kind == ReturnLog {
			values[a] = formulas.LogReturns(aligned[a])
		} else {
			values[a] = formulas.SimpleReturns(aligned[a])
		}
	}

	return ReturnSeries{
		Assets:  assets,
		Kind:    b.cfg.Kind,
		Times:   times[1:],
		Values:  values,
		Dropped: dropped,
	}, nil
}

// cleanSeries drops missing prices, sorts a copy chronologically and rejects duplicates.
func cleanSeries(asset Asset, observations []PriceObservation) ([]PriceObservation, int, error) {
	series := make([]PriceObservation, 0, len(observations))
	for _, o := range observations {
		if o.valid() {
			series = append(series, o)
		}
	}
	dropped := len(observations) - len(series)

	sort.SliceStable(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })
	for i := 1; i < len(series); i++ {
		if series[i].Time.Equal(series[i-1].Time) {
			return nil, 0, fmt.Errorf("%w: duplicate timestamp %s for %s",
				ErrAlignment, series[i].Time.Format(time.RFC3339), asset)
		}
	}

	if len(series) < 2 {
		return nil, 0, fmt.Errorf("%w: %s has %d valid prices, need at least 2",
			ErrInsufficientData, asset, len(series))
	}
	return series, dropped, nil
}

func alignIntersect(assets []Asset, series map[Asset][]PriceObservation) ([]time.Time, map[Asset][]float64) {
	counts := make(map[int64]int)
	stamps := make(map[int64]time.Time)
	for _, a := range assets {
		for _, o := range series[a] {
			key := o.Time.UnixNano()
			counts[key]++
			stamps[key] = o.Time
		}
	}

	keys := make([]int64, 0, len(counts))
	for k, c := range counts {
		if c == len(assets) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	times := make([]time.Time, len(keys))
	index := make(map[int64]int, len(keys))
	for i, k := range keys {
		times[i] = stamps[k]
		index[k] = i
	}

	aligned := make(map[Asset][]float64, len(assets))
	for _, a := range assets {
		prices := make([]float64, len(keys))
		for _, o := range series[a] {
			if i, ok := index[o.Time.UnixNano()]; ok {
				prices[i] = o.AdjClose
			}
		}
		aligned[a] = prices
	}
	return times, aligned
}

// alignForwardFill spans [latest first timestamp, earliest last timestamp] so
// every asset has a real observation at or before each aligned timestamp.
func alignForwardFill(assets []Asset, series map[Asset][]PriceObservation) ([]time.Time, map[Asset][]float64, error) {
	var start, end time.Time
	for i, a := range assets {
		s := series[a]
		first, last := s[0].Time, s[len(s)-1].Time
		if i == 0 || first.After(start) {
			start = first
		}
		if i == 0 || last.Before(end) {
			end = last
		}
	}
	if start.After(end) {
		return nil, nil, fmt.Errorf("%w: price histories do not overlap", ErrAlignment)
	}

	stamps := make(map[int64]time.Time)
	for _, a := range assets {
		for _, o := range series[a] {
			if !o.Time.Before(start) && !o.Time.After(end) {
				stamps[o.Time.UnixNano()] = o.Time
			}
		}
	}
	times := make([]time.Time, 0, len(stamps))
	for _, t := range stamps {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	aligned := make(map[Asset][]float64, len(assets))
	for _, a := range assets {
		s := series[a]
		prices := make([]float64, len(times))
		j := 0
		last := 0.0
		for i, t := range times {
			for j < len(s) && !s[j].Time.After(t) {
				last = s[j].AdjClose
				j++
			}
			prices[i] = last
		}
		aligned[a] = prices
	}
	return times, aligned, nil
}
