package migration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewMigrationParsesVersionAndName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "001_create_users.sql", "CREATE TABLE users (id INT);")

	m, err := NewMigration(path)
	require.NoError(t, err)
	assert.Equal(t, "001", m.Version)
	assert.Equal(t, "create_users", m.Name)
	assert.Equal(t, path, m.MigrationFile)
	assert.False(t, m.HasRollback())
}

func TestNewMigrationAcceptsAnyDigitRun(t *testing.T) {
	dir := t.TempDir()

	// The runner accepts any digit sequence; only diagnostics enforces the
	// strict 3 digit format
	m, err := NewMigration(writeFile(t, dir, "42_short.sql", "SELECT 1;"))
	require.NoError(t, err)
	assert.Equal(t, "42", m.Version)

	m, err = NewMigration(writeFile(t, dir, "0001_long.sql", "SELECT 1;"))
	require.NoError(t, err)
	assert.Equal(t, "0001", m.Version)
}

func TestNewMigrationRejectsBadNames(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{
		"create_users.sql", // no version
		"001-create.sql",   // no underscore separator
		"001_.sql",         // no name
		"abc_create.sql",   // non-numeric version
	} {
		path := writeFile(t, dir, name, "SELECT 1;")
		_, err := NewMigration(path)
		require.Error(t, err, name)
		assert.True(t, e.ContainsError(err, model.ErrMigrationFileNameInvalid), name)
	}
}

func TestChecksumStability(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "001_a.sql", "CREATE TABLE a (id INT);")

	m, err := NewMigration(path)
	require.NoError(t, err)

	first, err := m.Checksum()
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := m.Checksum()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Changing one byte changes the checksum
	require.NoError(t, os.WriteFile(path, []byte("CREATE TABLE a (id BIG);"), 0644))
	third, err := m.Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestDescriptionFromComment(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "002_add_orders.sql",
		"-- Migration 002\n-- Description: Add the orders table\nCREATE TABLE orders (id INT);")

	m, err := NewMigration(path)
	require.NoError(t, err)
	assert.Equal(t, "Add the orders table", m.Description())
}

func TestDescriptionOnlyScansFirstTenLines(t *testing.T) {
	dir := t.TempDir()
	content := "\n\n\n\n\n\n\n\n\n\n-- Description: too late\nSELECT 1;"
	path := writeFile(t, dir, "003_deep_comment.sql", content)

	m, err := NewMigration(path)
	require.NoError(t, err)
	assert.Equal(t, "Deep Comment", m.Description())
}

func TestDescriptionFallbackTitleCases(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "004_add_user_index.sql", "CREATE INDEX idx ON users (id);")

	m, err := NewMigration(path)
	require.NoError(t, err)
	assert.Equal(t, "Add User Index", m.Description())
}

func TestRollbackSQLRequiresRollbackFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "005_no_rollback.sql", "SELECT 1;")

	m, err := NewMigration(path)
	require.NoError(t, err)

	_, err = m.RollbackSQL()
	require.Error(t, err)
	assert.True(t, e.ContainsError(err, model.ErrMigrationNoRollbackFile))
}
