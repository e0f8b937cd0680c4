package charts

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func newTestService() *Service {
	return NewService(zerolog.New(nil).Level(zerolog.Disabled))
}

func weights(assets []optimization.Asset, w ...float64) optimization.WeightVector {
	return optimization.WeightVector{Assets: assets, Weights: w}
}

func TestRenderFrontier(t *testing.T) {
	svc := newTestService()
	assets := []optimization.Asset{"AAPL", "GLD"}

	res := &optimization.FrontierResult{
		Frontier: optimization.Frontier{
			Points: []optimization.FrontierPoint{
				{TargetReturn: 0.05, Return: 0.05, Volatility: 0.10, Weights: weights(assets, 0.2, 0.8)},
				{TargetReturn: 0.08, Return: 0.08, Volatility: 0.14, Weights: weights(assets, 0.5, 0.5)},
				{TargetReturn: 0.11, Return: 0.11, Volatility: 0.21, Weights: weights(assets, 0.8, 0.2)},
			},
			Skipped: []optimization.SkippedTarget{{TargetReturn: 0.2, Reason: "infeasible"}},
		},
	}
	res.MaxSharpe = &res.Frontier.Points[1]

	buf, err := svc.RenderFrontier(res)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf, pngMagic))
}

func TestRenderFrontier_Empty(t *testing.T) {
	svc := newTestService()

	_, err := svc.RenderFrontier(nil)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = svc.RenderFrontier(&optimization.FrontierResult{})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestRenderWeights(t *testing.T) {
	svc := newTestService()
	assets := []optimization.Asset{"AAPL", "GLD", "MSFT"}

	t.Run("long only", func(t *testing.T) {
		buf, err := svc.RenderWeights("Max Sharpe", weights(assets, 0.5, 0.5, 0))
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(buf, pngMagic))
	})

	t.Run("with shorts", func(t *testing.T) {
		buf, err := svc.RenderWeights("", weights(assets, 0.9, -0.2, 0.3))
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(buf, pngMagic))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := svc.RenderWeights("x", optimization.WeightVector{})
		assert.ErrorIs(t, err, ErrNoData)

		_, err = svc.RenderWeights("x", weights(assets, 0, 0, 0))
		assert.ErrorIs(t, err, ErrNoData)
	})
}

func TestFrontierSeries(t *testing.T) {
	f := optimization.Frontier{Points: []optimization.FrontierPoint{{Return: 0.1, Volatility: 0.2}}}
	assert.Equal(t, []ChartDataPoint{{Volatility: 0.2, Return: 0.1}}, FrontierSeries(f))
}
