package device

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/treeow-bridge/internal/infrastructure/config"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/database"
	_ "github.com/nerrad567/treeow-bridge/migrations"
)

// openMigratedDB opens a temporary SQLite database with the bridge schema.
func openMigratedDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "device.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	require.NoError(t, db.Migrate(context.Background()))
	return db.DB
}
