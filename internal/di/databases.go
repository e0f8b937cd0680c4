package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/manujajay/portfolio-optimize/internal/config"
	"github.com/manujajay/portfolio-optimize/internal/database"
)

// InitializeDatabases opens both databases and applies schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// runs.db - optimization run history
	runsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "runs.db"),
		Profile: database.ProfileStandard,
		Name:    "runs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runs database: %w", err)
	}
	container.RunsDB = runsDB

	// client_data.db - price history cache, safe to delete
	clientDataDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "client_data.db"),
		Profile: database.ProfileCache,
		Name:    "client_data",
	})
	if err != nil {
		runsDB.Close()
		return nil, fmt.Errorf("failed to initialize client_data database: %w", err)
	}
	container.ClientDataDB = clientDataDB

	for _, db := range container.Databases() {
		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("All databases initialized and schemas applied")

	return container, nil
}
