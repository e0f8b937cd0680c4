package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/manujajay/portfolio-optimize/internal/clientdata"
	"github.com/manujajay/portfolio-optimize/internal/clients/yahoo"
	"github.com/manujajay/portfolio-optimize/internal/config"
	"github.com/manujajay/portfolio-optimize/internal/metrics"
	"github.com/manujajay/portfolio-optimize/internal/modules/charts"
	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	"github.com/manujajay/portfolio-optimize/internal/modules/runs"
	"github.com/manujajay/portfolio-optimize/internal/reliability"
)

// InitializeRepositories creates the repositories over the open databases
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container.RunsDB == nil || container.ClientDataDB == nil {
		return fmt.Errorf("databases must be initialized first")
	}
	container.RunsRepo = runs.NewRepository(container.RunsDB.Conn(), log)
	container.ClientDataRepo = clientdata.NewRepository(container.ClientDataDB.Conn())
	return nil
}

// OptimizerConfig maps application configuration onto the optimizer pipeline
func OptimizerConfig(cfg config.OptimizerConfig) optimization.ServiceConfig {
	return optimization.ServiceConfig{
		Returns: optimization.ReturnConfig{
			Kind:      optimization.ReturnKind(cfg.ReturnKind),
			Alignment: optimization.AlignmentPolicy(cfg.Alignment),
			MinWindow: cfg.MinWindow,
		},
		Moments: optimization.MomentConfig{
			AnnualizationFactor: cfg.AnnualizationFactor,
			Shrinkage:           optimization.ShrinkageMethod(cfg.Shrinkage),
		},
		Solver: optimization.SolverConfig{
			MaxIterations: cfg.MaxIterations,
			Tolerance:     cfg.Tolerance,
		},
		LookbackYears:    cfg.LookbackYears,
		LongOnly:         cfg.LongOnly,
		RiskFreeSymbol:   cfg.RiskFreeSymbol,
		RiskFreeRate:     cfg.RiskFreeRate,
		FrontierSteps:    cfg.FrontierSteps,
		MaxFrontierSteps: cfg.MaxFrontierSteps,
		FrontierWorkers:  cfg.FrontierWorkers,
		PeriodsPerYear:   252,
	}
}

// InitializeServices creates clients and services
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container.RunsRepo == nil {
		return fmt.Errorf("repositories must be initialized first")
	}

	container.YahooClient = yahoo.NewClient(cfg.Yahoo.BaseURL, cfg.Yahoo.Timeout, container.ClientDataRepo, log)
	container.Metrics = metrics.New()
	container.ChartsService = charts.NewService(log)

	container.OptimizerService = optimization.NewOptimizerService(OptimizerConfig(cfg.Optimizer), container.YahooClient, log)
	container.OptimizerService.SetRunStore(container.RunsRepo)
	container.OptimizerService.SetMetrics(container.Metrics)

	if cfg.Backup.Enabled() {
		store, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			Bucket:          cfg.Backup.Bucket,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		container.BackupService = reliability.NewBackupService(store, container.Databases(), cfg.DataDir, log)
	}

	log.Info().Bool("backups", container.BackupService != nil).Msg("Services initialized")
	return nil
}
