package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/manujajay/portfolio-optimize/internal/clientdata"
	"github.com/manujajay/portfolio-optimize/internal/config"
	"github.com/manujajay/portfolio-optimize/internal/modules/runs"
	"github.com/manujajay/portfolio-optimize/internal/reliability"
	"github.com/manujajay/portfolio-optimize/internal/scheduler"
)

// RegisterJobs creates the scheduler and registers every background job.
// Jobs with an empty schedule are not registered.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.OptimizerService == nil {
		return fmt.Errorf("services must be initialized first")
	}

	s := scheduler.New(log)
	register := func(schedule string, job scheduler.Job) error {
		if schedule == "" {
			log.Debug().Str("job", job.Name()).Msg("No schedule configured, job disabled")
			return nil
		}
		return s.AddJob(schedule, job)
	}

	if len(cfg.Schedule.Tickers) > 0 {
		job := scheduler.NewScheduledOptimizationJob(container.OptimizerService, cfg.Schedule.Tickers, log)
		if err := register(cfg.Schedule.OptimizationCron, job); err != nil {
			return err
		}
	}

	if err := register(cfg.Schedule.RetentionCron, runs.NewRetentionJob(container.RunsRepo, cfg.Schedule.RetentionDays, log)); err != nil {
		return err
	}
	if err := register(cfg.Schedule.CacheCleanupCron, clientdata.NewCleanupJob(container.ClientDataRepo, log)); err != nil {
		return err
	}
	maintenance := scheduler.NewDatabaseMaintenanceJob(cfg.DataDir, log, container.Databases()...)
	if err := register(cfg.Schedule.MaintenanceCron, maintenance); err != nil {
		return err
	}

	if container.BackupService != nil {
		if err := register(cfg.Backup.Cron, reliability.NewBackupJob(container.BackupService, cfg.Backup.RetentionDays, log)); err != nil {
			return err
		}
	}

	container.Scheduler = s
	return nil
}
