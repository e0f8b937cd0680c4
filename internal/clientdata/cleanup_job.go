package clientdata

import (
	"github.com/rs/zerolog"
)

// CleanupJob purges expired price windows from the cache
type CleanupJob struct {
	repo *Repository
	log  zerolog.Logger
}

// NewCleanupJob creates a new cache cleanup job
func NewCleanupJob(repo *Repository, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "client_data_cleanup").Logger(),
	}
}

// Run deletes expired entries and logs what remains
func (j *CleanupJob) Run() error {
	deleted, err := j.repo.DeleteExpired()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to purge price cache")
		return err
	}

	st, err := j.repo.Stats()
	if err != nil {
		j.log.Warn().Err(err).Int64("deleted", deleted).Msg("Price cache purged")
		return nil
	}

	j.log.Info().
		Int64("deleted", deleted).
		Int("entries", st.Entries).
		Int("symbols", st.Symbols).
		Msg("Price cache purged")
	return nil
}

// Name returns the job name
func (j *CleanupJob) Name() string {
	return "client_data_cleanup"
}
