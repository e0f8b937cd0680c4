package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetentionJob deletes runs older than the retention window.
type RetentionJob struct {
	repo          *Repository
	retentionDays int
	log           zerolog.Logger
}

// NewRetentionJob creates a new run retention job
func NewRetentionJob(repo *Repository, retentionDays int, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		repo:          repo,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "run_retention").Logger(),
	}
}

// Run executes the retention job
func (j *RetentionJob) Run() error {
	if j.retentionDays <= 0 {
		j.log.Debug().Msg("Run retention disabled")
		return nil
	}

	cutoff := j.repo.now().AddDate(0, 0, -j.retentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := j.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to apply run retention: %w", err)
	}

	j.log.Info().
		Int64("deleted", deleted).
		Int("retention_days", j.retentionDays).
		Msg("Run retention completed")
	return nil
}

// Name returns the job name
func (j *RetentionJob) Name() string {
	return "run_retention"
}
