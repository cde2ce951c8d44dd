package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_events.sql", "001_init.sql", "notes.txt", "003_index.sql"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "004_dir.sql"), 0o755))

	pending, err := pendingMigrations(dir, map[string]bool{"001_init.sql": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_events.sql", "003_index.sql"}, pending)
}

func TestPendingMigrationsMissingDir(t *testing.T) {
	_, err := pendingMigrations(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestShippedMigrationsAreListed(t *testing.T) {
	pending, err := pendingMigrations("../../migrations", map[string]bool{})
	require.NoError(t, err)
	assert.Contains(t, pending, "001_init.sql")
}
