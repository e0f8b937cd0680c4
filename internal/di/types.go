// Package di provides dependency injection type definitions.
package di

import (
	"github.com/manujajay/portfolio-optimize/internal/clientdata"
	"github.com/manujajay/portfolio-optimize/internal/clients/yahoo"
	"github.com/manujajay/portfolio-optimize/internal/database"
	"github.com/manujajay/portfolio-optimize/internal/metrics"
	"github.com/manujajay/portfolio-optimize/internal/modules/charts"
	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	"github.com/manujajay/portfolio-optimize/internal/modules/runs"
	"github.com/manujajay/portfolio-optimize/internal/reliability"
	"github.com/manujajay/portfolio-optimize/internal/scheduler"
)

// Container holds all dependencies for the application.
// It is created by Wire() and passed to the server and CLI.
type Container struct {
	// Databases
	RunsDB       *database.DB // runs.db - optimization run history
	ClientDataDB *database.DB // client_data.db - cached price histories

	// Repositories
	RunsRepo       *runs.Repository
	ClientDataRepo *clientdata.Repository

	// Clients
	YahooClient *yahoo.Client

	// Services
	OptimizerService *optimization.OptimizerService
	ChartsService    *charts.Service
	BackupService    *reliability.BackupService // nil unless backups are configured
	Metrics          *metrics.Metrics

	// Background jobs
	Scheduler *scheduler.Scheduler
}

// Databases returns the open databases
func (c *Container) Databases() []*database.DB {
	var out []*database.DB
	for _, db := range []*database.DB{c.RunsDB, c.ClientDataDB} {
		if db != nil {
			out = append(out, db)
		}
	}
	return out
}

// Close closes every database
func (c *Container) Close() {
	for _, db := range c.Databases() {
		_ = db.Close()
	}
}
