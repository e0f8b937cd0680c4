package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ShrinkageMethod selects covariance regularisation.
type ShrinkageMethod string

const (
	ShrinkageNone       ShrinkageMethod = "none"
	ShrinkageLedoitWolf ShrinkageMethod = "ledoit_wolf"
)

// MomentConfig configures moment estimation.
type MomentConfig struct {
	// AnnualizationFactor scales mean and covariance (252 for daily data).
	// Zero leaves the moments per-period.
	AnnualizationFactor float64
	Shrinkage           ShrinkageMethod
}

// MomentEstimator computes mean vectors and sample covariance matrices.
type MomentEstimator struct {
	cfg MomentConfig
}

// NewMomentEstimator creates a new moment estimator.
func NewMomentEstimator(cfg MomentConfig) *MomentEstimator {
	if cfg.Shrinkage == "" {
		cfg.Shrinkage = ShrinkageNone
	}
	return &MomentEstimator{cfg: cfg}
}

// Estimate computes the arithmetic mean and unbiased sample covariance of the series.
func (e *MomentEstimator) Estimate(rs ReturnSeries) (MomentEstimate, error) {
	n := len(rs.Assets)
	if n == 0 {
		return MomentEstimate{}, fmt.Errorf("%w: return series has no assets", ErrInsufficientData)
	}
	periods := rs.Periods()
	if periods < 2 {
		return MomentEstimate{}, fmt.Errorf("%w: %d return periods, need at least 2", ErrDegenerateInput, periods)
	}

	data := mat.NewDense(periods, n, nil)
	mean := make([]float64, n)
	for j, a := range rs.Assets {
		col := rs.Values[a]
		if len(col) != periods {
			return MomentEstimate{}, fmt.Errorf("%w: %s has %d returns, expected %d", ErrAlignment, a, len(col), periods)
		}
		data.SetCol(j, col)
		mean[j] = stat.Mean(col, nil)
	}

	cov := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(cov, data, nil)

	m := MomentEstimate{
		Assets:              append([]Asset(nil), rs.Assets...),
		Mean:                mean,
		Covariance:          cov,
		Periods:             periods,
		AnnualizationFactor: e.cfg.AnnualizationFactor,
	}
	if err := m.checkVariances(); err != nil {
		return MomentEstimate{}, err
	}

	switch e.cfg.Shrinkage {
	case ShrinkageNone:
	case ShrinkageLedoitWolf:
		m.Covariance = shrinkConstantCovariance(m.Covariance)
	default:
		return MomentEstimate{}, fmt.Errorf("%w: unknown shrinkage %q", ErrInvalidParameter, e.cfg.Shrinkage)
	}

	if f := e.cfg.AnnualizationFactor; f > 0 && f != 1 {
		for i := range m.Mean {
			m.Mean[i] *= f
		}
		m.Covariance.ScaleSym(f, m.Covariance)
	}

	return m, nil
}

// shrinkConstantCovariance pulls the sample covariance toward a
// constant-covariance target: the average variance on the diagonal and the
// average off-diagonal covariance everywhere else.
// Intensity is estimated from the dispersion of the sample entries, capped at 0.5.
func shrinkConstantCovariance(sample *mat.SymDense) *mat.SymDense {
	n := sample.SymmetricDim()
	if n < 2 {
		return sample
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sample.At(i, i)
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sample.At(i, j)
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		return avgCov
	}

	intensity := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff, sum, sumSq float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v := sample.At(i, j)
				d := v - target(i, j)
				sumSqDiff += d * d
				sum += v
				sumSq += v * v
			}
		}
		count := float64(n * n)
		meanSqDiff := sumSqDiff / count
		mean := sum / count
		varSample := sumSq/count - mean*mean
		if varSample > 0 && meanSqDiff > 0 {
			intensity = math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
		}
	}

	shrunk := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			shrunk.SetSym(i, j, (1-intensity)*sample.At(i, j)+intensity*target(i, j))
		}
	}
	return shrunk
}
