package optimization

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/manujajay/portfolio-optimize/pkg/formulas"
)

// Asset is a ticker symbol.
type Asset string

// NormalizeAssets upper-cases, trims and de-duplicates tickers, returning them sorted.
func NormalizeAssets(tickers []string) []Asset {
	seen := make(map[Asset]bool, len(tickers))
	out := make([]Asset, 0, len(tickers))
	for _, t := range tickers {
		a := Asset(strings.ToUpper(strings.TrimSpace(t)))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sortAssets(out)
	return out
}

func sortAssets(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
}

// PriceObservation is one adjusted close for an asset.
// NaN, infinite or non-positive prices mark missing data.
type PriceObservation struct {
	Asset    Asset     `json:"asset"`
	Time     time.Time `json:"time"`
	AdjClose float64   `json:"adj_close"`
}

func (p PriceObservation) valid() bool {
	return !math.IsNaN(p.AdjClose) && !math.IsInf(p.AdjClose, 0) && p.AdjClose > 0
}

// ReturnKind selects how periodic returns are computed.
type ReturnKind string

const (
	ReturnSimple ReturnKind = "simple"
	ReturnLog    ReturnKind = "log"
)

// AlignmentPolicy selects how assets with different trading calendars are aligned.
type AlignmentPolicy string

const (
	// AlignIntersect keeps only timestamps present for every asset.
	AlignIntersect AlignmentPolicy = "intersect"
	// AlignForwardFill uses the union of timestamps inside the common date span
	// and carries the last valid price forward over gaps.
	AlignForwardFill AlignmentPolicy = "forward_fill"
)

// ReturnObservation is the return of one asset over one aligned period.
type ReturnObservation struct {
	Asset  Asset     `json:"asset"`
	Period int       `json:"period"`
	Time   time.Time `json:"time"`
	Value  float64   `json:"value"`
}

// ReturnSeries holds aligned periodic returns. Every asset has exactly
// len(Times) values and Times[i] is the end of period i.
type ReturnSeries struct {
	Assets  []Asset             `json:"assets"`
	Kind    ReturnKind          `json:"kind"`
	Times   []time.Time         `json:"times"`
	Values  map[Asset][]float64 `json:"values"`
	Dropped int                 `json:"dropped"` // invalid price observations discarded before alignment
}

// Periods returns the number of aligned return periods.
func (rs ReturnSeries) Periods() int {
	return len(rs.Times)
}

// Observations returns the asset's returns as observations, or nil for an unknown asset.
func (rs ReturnSeries) Observations(asset Asset) []ReturnObservation {
	values, ok := rs.Values[asset]
	if !ok {
		return nil
	}
	out := make([]ReturnObservation, len(values))
	for i, v := range values {
		out[i] = ReturnObservation{Asset: asset, Period: i, Time: rs.Times[i], Value: v}
	}
	return out
}

// MomentEstimate holds the mean vector and covariance matrix of a set of assets.
// Mean[i] and Covariance row/column i belong to Assets[i].
type MomentEstimate struct {
	Assets              []Asset
	Mean                []float64
	Covariance          *mat.SymDense
	Periods             int
	AnnualizationFactor float64
}

// NewMomentEstimate validates caller-supplied moments.
func NewMomentEstimate(assets []Asset, mean []float64, cov [][]float64) (MomentEstimate, error) {
	n := len(assets)
	if n == 0 {
		return MomentEstimate{}, fmt.Errorf("%w: no assets", ErrInsufficientData)
	}
	if len(mean) != n {
		return MomentEstimate{}, fmt.Errorf("%w: mean has %d entries for %d assets", ErrInvalidParameter, len(mean), n)
	}
	if len(cov) != n {
		return MomentEstimate{}, fmt.Errorf("%w: covariance has %d rows for %d assets", ErrInvalidParameter, len(cov), n)
	}
	seen := make(map[Asset]bool, n)
	for _, a := range assets {
		if seen[a] {
			return MomentEstimate{}, fmt.Errorf("%w: duplicate asset %s", ErrInvalidParameter, a)
		}
		seen[a] = true
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		if len(cov[i]) != n {
			return MomentEstimate{}, fmt.Errorf("%w: covariance row %d has %d columns", ErrInvalidParameter, i, len(cov[i]))
		}
		if !finite(mean[i]) {
			return MomentEstimate{}, fmt.Errorf("%w: non-finite mean for %s", ErrDegenerateInput, assets[i])
		}
		for j := i; j < n; j++ {
			v := cov[i][j]
			if !finite(v) || !finite(cov[j][i]) {
				return MomentEstimate{}, fmt.Errorf("%w: non-finite covariance at (%d,%d)", ErrDegenerateInput, i, j)
			}
			scale := math.Max(1, math.Max(math.Abs(v), math.Abs(cov[j][i])))
			if math.Abs(v-cov[j][i]) > 1e-12*scale {
				return MomentEstimate{}, fmt.Errorf("%w: covariance is not symmetric at (%d,%d)", ErrDegenerateInput, i, j)
			}
			sym.SetSym(i, j, v)
		}
	}

	m := MomentEstimate{
		Assets:     append([]Asset(nil), assets...),
		Mean:       append([]float64(nil), mean...),
		Covariance: sym,
	}
	if err := m.checkVariances(); err != nil {
		return MomentEstimate{}, err
	}
	return m, nil
}

// minVariance is the smallest per-period variance treated as non-zero.
const minVariance = 1e-18

func (m MomentEstimate) checkVariances() error {
	for i, a := range m.Assets {
		if v := m.Covariance.At(i, i); !(v > minVariance) {
			return fmt.Errorf("%w: asset %s has zero variance", ErrDegenerateInput, a)
		}
	}
	return nil
}

func (m MomentEstimate) validate() error {
	n := len(m.Assets)
	if n == 0 {
		return fmt.Errorf("%w: no assets", ErrInsufficientData)
	}
	if len(m.Mean) != n || m.Covariance == nil || m.Covariance.SymmetricDim() != n {
		return fmt.Errorf("%w: moment dimensions do not match %d assets", ErrInvalidParameter, n)
	}
	return nil
}

// N returns the number of assets.
func (m MomentEstimate) N() int {
	return len(m.Assets)
}

// Volatilities returns the per-asset standard deviations.
func (m MomentEstimate) Volatilities() []float64 {
	out := make([]float64, m.N())
	for i := range out {
		out[i] = math.Sqrt(m.Covariance.At(i, i))
	}
	return out
}

// PortfolioReturn returns w·μ.
func (m MomentEstimate) PortfolioReturn(weights []float64) float64 {
	return mat.Dot(mat.NewVecDense(len(weights), weights), mat.NewVecDense(len(m.Mean), m.Mean))
}

// PortfolioVariance returns wᵀΣw, clamped at zero.
func (m MomentEstimate) PortfolioVariance(weights []float64) float64 {
	w := mat.NewVecDense(len(weights), weights)
	return math.Max(0, mat.Inner(w, m.Covariance, w))
}

// covarianceRows copies the covariance matrix into row slices.
func (m MomentEstimate) covarianceRows() [][]float64 {
	n := m.N()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			rows[i][j] = m.Covariance.At(i, j)
		}
	}
	return rows
}

// CorrelationPair is a pair of assets with their return correlation.
type CorrelationPair struct {
	Asset1      Asset   `json:"asset1"`
	Asset2      Asset   `json:"asset2"`
	Correlation float64 `json:"correlation"`
}

// HighCorrelations lists asset pairs whose absolute correlation is at least threshold.
func (m MomentEstimate) HighCorrelations(threshold float64) []CorrelationPair {
	pairs := []CorrelationPair{}
	corr, err := formulas.CorrelationMatrixFromCovariance(m.covarianceRows())
	if err != nil {
		return pairs
	}
	for i := 0; i < len(corr); i++ {
		for j := i + 1; j < len(corr); j++ {
			if math.Abs(corr[i][j]) >= threshold {
				pairs = append(pairs, CorrelationPair{
					Asset1:      m.Assets[i],
					Asset2:      m.Assets[j],
					Correlation: corr[i][j],
				})
			}
		}
	}
	return pairs
}

// WeightVector is an allocation over an ordered set of assets.
type WeightVector struct {
	Assets  []Asset   `json:"assets"`
	Weights []float64 `json:"weights"`
}

// Sum returns the total allocation.
func (w WeightVector) Sum() float64 {
	s := 0.0
	for _, v := range w.Weights {
		s += v
	}
	return s
}

// Weight returns the weight of a single asset.
func (w WeightVector) Weight(asset Asset) (float64, bool) {
	for i, a := range w.Assets {
		if a == asset {
			return w.Weights[i], true
		}
	}
	return 0, false
}

// Map returns the weights keyed by ticker.
func (w WeightVector) Map() map[string]float64 {
	out := make(map[string]float64, len(w.Assets))
	for i, a := range w.Assets {
		out[string(a)] = w.Weights[i]
	}
	return out
}

// FrontierPoint is one solved target on the efficient frontier.
type FrontierPoint struct {
	TargetReturn float64      `json:"target_return"`
	Return       float64      `json:"return"`
	Variance     float64      `json:"variance"`
	Volatility   float64      `json:"volatility"`
	Weights      WeightVector `json:"weights"`
}

// SkippedTarget records a frontier target that had no solution.
type SkippedTarget struct {
	TargetReturn float64 `json:"target_return"`
	Reason       string  `json:"reason"`
}

// Frontier is ordered by increasing target return.
type Frontier struct {
	Points  []FrontierPoint `json:"points"`
	Skipped []SkippedTarget `json:"skipped,omitempty"`
}

// ReturnRange is the closed interval of target returns swept by the frontier.
type ReturnRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
