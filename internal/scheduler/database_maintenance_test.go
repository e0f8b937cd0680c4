package scheduler

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	testingpkg "github.com/manujajay/portfolio-optimize/internal/testing"
)

func TestDatabaseMaintenanceJob_Name(t *testing.T) {
	job := NewDatabaseMaintenanceJob("", zerolog.Nop())
	assert.Equal(t, "database_maintenance", job.Name())
}

func TestDatabaseMaintenanceJob_Run_NoDatabases(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	job := NewDatabaseMaintenanceJob("", log, nil, nil)

	err := job.Run()
	assert.NoError(t, err) // Should handle nil databases gracefully
}

func TestDatabaseMaintenanceJob_Run(t *testing.T) {
	runsDB, cleanupRuns := testingpkg.NewTestDB(t, "runs")
	defer cleanupRuns()
	cacheDB, cleanupCache := testingpkg.NewTestDB(t, "client_data")
	defer cleanupCache()

	job := NewDatabaseMaintenanceJob("", zerolog.Nop(), runsDB, cacheDB)
	assert.Len(t, job.databases, 2)
	assert.NoError(t, job.Run())
}
