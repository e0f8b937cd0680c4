package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BackupJob uploads a fresh backup and rotates old ones
type BackupJob struct {
	service       *BackupService
	retentionDays int
	log           zerolog.Logger
}

// NewBackupJob creates a new backup job
func NewBackupJob(service *BackupService, retentionDays int, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		service:       service,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "backup").Logger(),
	}
}

// Run executes the backup job
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if _, err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	// Rotation failures leave extra archives behind, nothing more
	if _, err := j.service.RotateOldBackups(ctx, j.retentionDays); err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "backup"
}
