package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"002_fhir_resource.sql": "CREATE TABLE fhir_resource (id TEXT);",
		"001_subscription.sql":  "CREATE TABLE subscription (id UUID);",
		"010_later.sql":         "SELECT 1;",
		"README.md":             "not sql",
		"notes.sql":             "no prefix",
		"abc_bad.sql":           "non numeric",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755))

	migrations, err := NewMigrator(nil, dir, zerolog.Nop()).LoadMigrations()
	require.NoError(t, err)

	require.Len(t, migrations, 3)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "001_subscription.sql", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE subscription (id UUID);", migrations[0].SQL)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, 10, migrations[2].Version)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"001_a.sql":  "SELECT 1;",
		"0001_b.sql": "SELECT 2;",
	})

	_, err := NewMigrator(nil, dir, zerolog.Nop()).LoadMigrations()
	assert.ErrorContains(t, err, "duplicate migration version 1")
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	_, err := NewMigrator(nil, filepath.Join(t.TempDir(), "missing"), zerolog.Nop()).LoadMigrations()
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	migrations := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}

	st := statusOf(migrations, map[int]time.Time{1: at})

	require.Len(t, st, 2)
	assert.True(t, st[0].Applied)
	assert.Equal(t, at, *st[0].AppliedAt)
	assert.False(t, st[1].Applied)
	assert.Nil(t, st[1].AppliedAt)
}
