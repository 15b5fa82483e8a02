package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPending_OrdersUpMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_seed.up.sql", "001_init.up.sql", "001_init.down.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o700))

	names, err := pending(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.up.sql", "002_seed.up.sql"}, names)
}

func TestPending_MissingDir(t *testing.T) {
	_, err := pending(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestRepoMigrationsAreDiscoverable(t *testing.T) {
	names, err := pending(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	assert.Equal(t, []string{"001_collections.up.sql", "002_seed_statuses.up.sql", "003_line_item_seq.up.sql"}, names)
}
