package optimization

import (
	"context"
	"time"
)

// PriceProvider returns adjusted-close histories for a window.
type PriceProvider interface {
	GetPriceHistory(ctx context.Context, assets []Asset, start, end time.Time) (map[Asset][]PriceObservation, error)
}

// RunStore persists completed runs. Payload is any serialisable result.
type RunStore interface {
	Save(ctx context.Context, kind, objective string, tickers []string, payload interface{}) (string, error)
}

// MetricsRecorder observes optimizer activity.
type MetricsRecorder interface {
	ObserveOptimization(kind, objective string, duration time.Duration, err error)
	ObserveFrontier(points, skipped int, duration time.Duration)
}
