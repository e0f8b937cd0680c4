package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/manujajay/portfolio-optimize/internal/database"
)

// walWarnFrames is the WAL size, in frames, above which a checkpoint is forced.
const walWarnFrames = 1000

// Free space thresholds for the data directory
const (
	criticalFreeGB = 0.5
	lowFreeGB      = 5.0
)

// DatabaseMaintenanceJob checks integrity and WAL growth of every database
type DatabaseMaintenanceJob struct {
	dataDir   string
	databases []*database.DB
	log       zerolog.Logger
}

// NewDatabaseMaintenanceJob creates a new DatabaseMaintenanceJob. Nil databases are ignored.
// An empty dataDir skips the disk space check.
func NewDatabaseMaintenanceJob(dataDir string, log zerolog.Logger, databases ...*database.DB) *DatabaseMaintenanceJob {
	dbs := make([]*database.DB, 0, len(databases))
	for _, db := range databases {
		if db != nil {
			dbs = append(dbs, db)
		}
	}
	return &DatabaseMaintenanceJob{
		dataDir:   dataDir,
		databases: dbs,
		log:       log.With().Str("job", "database_maintenance").Logger(),
	}
}

// Name returns the job name
func (j *DatabaseMaintenanceJob) Name() string {
	return "database_maintenance"
}

// Run executes the database maintenance job
func (j *DatabaseMaintenanceJob) Run() error {
	checkedCount := 0
	for _, db := range j.databases {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := db.HealthCheck(ctx)
		cancel()
		if err != nil {
			// Corruption cannot be repaired automatically
			j.log.Error().
				Err(err).
				Str("database", db.Name()).
				Msg("Database integrity check failed")
			return fmt.Errorf("database %s is corrupted: %w", db.Name(), err)
		}

		// PRAGMA wal_checkpoint returns: busy, log, checkpointed
		var busy, walFrames, checkpointed int
		err = db.Conn().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &walFrames, &checkpointed)
		if err != nil {
			j.log.Warn().
				Err(err).
				Str("database", db.Name()).
				Msg("Failed to check WAL checkpoint")
			continue
		}

		if walFrames > walWarnFrames {
			j.log.Warn().
				Str("database", db.Name()).
				Int("wal_frames", walFrames).
				Int("checkpointed", checkpointed).
				Msg("WAL file is large, truncating")
			if err := db.WALCheckpoint("TRUNCATE"); err != nil {
				j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL truncate failed")
			}
		} else {
			j.log.Debug().
				Str("database", db.Name()).
				Int("wal_frames", walFrames).
				Msg("WAL checkpoint status OK")
		}

		checkedCount++
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.log.Info().
		Int("checked", checkedCount).
		Msg("Database maintenance completed")

	return nil
}

// checkDiskSpace fails when the data directory is nearly full
func (j *DatabaseMaintenanceJob) checkDiskSpace() error {
	if j.dataDir == "" {
		return nil
	}

	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Str("dir", j.dataDir).Msg("Failed to read disk usage")
		return nil
	}

	freeGB := float64(usage.Free) / 1e9
	j.log.Debug().Float64("free_gb", freeGB).Float64("used_percent", usage.UsedPercent).Msg("Disk space check")

	if freeGB < criticalFreeGB {
		j.log.Error().Float64("free_gb", freeGB).Msg("Insufficient disk space")
		return fmt.Errorf("only %.2f GB free in %s", freeGB, j.dataDir)
	}
	if freeGB < lowFreeGB {
		j.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}
