package testing

import (
	"context"
	"sync"
	"time"

	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
)

// MockPriceProvider is a mock implementation of optimization.PriceProvider for testing.
// Known assets get synthetic prices; the risk-free symbol gets a constant yield.
type MockPriceProvider struct {
	mu       sync.RWMutex
	drifts   map[string]float64
	yield    float64
	err      error
	requests int
}

// NewMockPriceProvider creates a provider over DefaultDrifts with a 4% yield for ^IRX.
func NewMockPriceProvider() *MockPriceProvider {
	drifts := make(map[string]float64, len(DefaultDrifts))
	for k, v := range DefaultDrifts {
		drifts[k] = v
	}
	return &MockPriceProvider{drifts: drifts, yield: 4.0}
}

// SetError sets the error to return
func (m *MockPriceProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns the number of GetPriceHistory calls
func (m *MockPriceProvider) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// GetPriceHistory returns synthetic histories for known assets and omits unknown ones
func (m *MockPriceProvider) GetPriceHistory(_ context.Context, assets []optimization.Asset, start, end time.Time) (map[optimization.Asset][]optimization.PriceObservation, error) {
	m.mu.Lock()
	m.requests++
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[optimization.Asset][]optimization.PriceObservation, len(assets))
	for _, a := range assets {
		if a == "^IRX" {
			out[a] = []optimization.PriceObservation{
				{Asset: a, Time: start, AdjClose: m.yield},
				{Asset: a, Time: end, AdjClose: m.yield},
			}
			continue
		}
		if drift, ok := m.drifts[string(a)]; ok {
			out[a] = SyntheticPrices(a, drift, start, end)
		}
	}
	return out, nil
}
