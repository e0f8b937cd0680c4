// Package testing provides testing utilities and helpers for the portfolio optimizer.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/manujajay/portfolio-optimize/internal/database"
)

// NewTestDB creates a file-backed SQLite database for testing with automatic schema migration.
// Returns the database instance and a cleanup function that closes the connection.
//
// Supported schema names:
//   - "runs" - applies runs_schema.sql
//   - "client_data" - applies client_data_schema.sql
//   - Unknown names - creates empty database (no schema applied)
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// Temporary files keep tests isolated from each other
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	profile := database.ProfileStandard
	if name == "client_data" {
		profile = database.ProfileCache
	}

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}
