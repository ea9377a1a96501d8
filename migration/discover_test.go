package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverMigrationsOrdersByVersion(t *testing.T) {
	dir := t.TempDir()

	// Written out of order on purpose - ordering must not depend on
	// filesystem iteration order
	writeFile(t, dir, "003_third.sql", "SELECT 3;")
	writeFile(t, dir, "001_first.sql", "SELECT 1;")
	writeFile(t, dir, "002_second.sql", "SELECT 2;")

	mList, err := DiscoverMigrations(dir)
	require.NoError(t, err)
	require.Len(t, mList, 3)

	assert.Equal(t, "001", mList[0].Version)
	assert.Equal(t, "002", mList[1].Version)
	assert.Equal(t, "003", mList[2].Version)
}

func TestDiscoverMigrationsPairsRollbacks(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "001_first.sql", "CREATE TABLE a (id INT);")
	writeFile(t, dir, "001_first.rollback.sql", "DROP TABLE a;")
	writeFile(t, dir, "002_second.sql", "CREATE TABLE b (id INT);")

	mList, err := DiscoverMigrations(dir)
	require.NoError(t, err)
	require.Len(t, mList, 2)

	assert.True(t, mList[0].HasRollback())
	assert.Contains(t, mList[0].RollbackFile, "001_first.rollback.sql")
	assert.False(t, mList[1].HasRollback())
}

func TestDiscoverMigrationsExcludesRollbackScripts(t *testing.T) {
	dir := t.TempDir()

	// A rollback script without its forward migration must not be
	// discovered as a migration itself
	writeFile(t, dir, "001_orphan.rollback.sql", "DROP TABLE a;")

	mList, err := DiscoverMigrations(dir)
	require.NoError(t, err)
	assert.Empty(t, mList)
}

func TestDiscoverMigrationsEmptyDir(t *testing.T) {
	mList, err := DiscoverMigrations(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, mList)
}

func TestDiscoverMigrationsRejectsInvalidNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "junk.sql", "SELECT 1;")

	_, err := DiscoverMigrations(dir)
	require.Error(t, err)
}
