package runs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	testingpkg "github.com/manujajay/portfolio-optimize/internal/testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "runs")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.New(nil).Level(zerolog.Disabled))
}

func TestSaveAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	result := &optimization.Result{
		Objective: "max_sharpe",
		Weights: optimization.WeightVector{
			Assets:  []optimization.Asset{"AAPL", "MSFT"},
			Weights: []float64{0.6, 0.4},
		},
		ExpectedReturn: 0.12,
		Volatility:     0.2,
		SharpeRatio:    0.5,
	}

	id, err := repo.Save(ctx, KindOptimize, "max_sharpe", []string{"AAPL", "MSFT"}, result)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, KindOptimize, run.Kind)
	assert.Equal(t, "max_sharpe", run.Objective)
	assert.Equal(t, []string{"AAPL", "MSFT"}, run.Tickers)
	assert.WithinDuration(t, time.Now(), run.CreatedAt, 5*time.Second)

	var decoded optimization.Result
	require.NoError(t, run.Decode(&decoded))
	assert.Equal(t, result.Weights, decoded.Weights)
	assert.Equal(t, 0.12, decoded.ExpectedReturn)

	var generic map[string]interface{}
	require.NoError(t, run.Decode(&generic))
	assert.Equal(t, "max_sharpe", generic["objective"])
}

func TestGet_Missing(t *testing.T) {
	repo := newTestRepository(t)

	run, err := repo.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestList_FiltersAndOrders(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kinds := []string{KindOptimize, KindFrontier, KindOptimize}
	ids := make([]string, len(kinds))
	for i, kind := range kinds {
		at := base.Add(time.Duration(i) * time.Hour)
		repo.now = func() time.Time { return at }
		id, err := repo.Save(ctx, kind, "min_volatility", []string{"GLD"}, map[string]int{"i": i})
		require.NoError(t, err)
		ids[i] = id
	}

	all, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)
	assert.Nil(t, all[0].Payload)

	optimizeOnly, err := repo.List(ctx, ListFilter{Kind: KindOptimize, Limit: 1})
	require.NoError(t, err)
	require.Len(t, optimizeOnly, 1)
	assert.Equal(t, ids[2], optimizeOnly[0].ID)
}

func TestRetentionJob(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now.AddDate(0, 0, -40) }
	oldID, err := repo.Save(ctx, KindOptimize, "max_sharpe", []string{"AAPL"}, 1)
	require.NoError(t, err)
	repo.now = func() time.Time { return now.AddDate(0, 0, -5) }
	newID, err := repo.Save(ctx, KindOptimize, "max_sharpe", []string{"AAPL"}, 2)
	require.NoError(t, err)

	repo.now = func() time.Time { return now }
	job := NewRetentionJob(repo, 30, zerolog.Nop())
	assert.Equal(t, "run_retention", job.Name())
	require.NoError(t, job.Run())

	gone, err := repo.Get(ctx, oldID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := repo.Get(ctx, newID)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	disabled := NewRetentionJob(repo, 0, zerolog.Nop())
	require.NoError(t, disabled.Run())
	kept, err = repo.Get(ctx, newID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
