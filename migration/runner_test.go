package migration

import (
	"os"
	"testing"
	"time"

	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
	"github.com/Skyrin/go-schema/sql"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingMigrationsFiltersAppliedAndTarget(t *testing.T) {
	discovered := []*Migration{
		{Version: "001"},
		{Version: "002"},
		{Version: "003"},
	}
	applied := map[string]bool{"001": true}

	pending := pendingMigrations(discovered, applied, "")
	require.Len(t, pending, 2)
	assert.Equal(t, "002", pending[0].Version)
	assert.Equal(t, "003", pending[1].Version)

	pending = pendingMigrations(discovered, applied, "002")
	require.Len(t, pending, 1)
	assert.Equal(t, "002", pending[0].Version)

	pending = pendingMigrations(discovered, map[string]bool{
		"001": true, "002": true, "003": true}, "")
	assert.Empty(t, pending)
}

func TestCurrentVersion(t *testing.T) {
	assert.Equal(t, "", currentVersion(nil))
	assert.Equal(t, "003", currentVersion([]*model.AppliedMigration{
		{Version: "002"},
		{Version: "003"},
		{Version: "001"},
	}))
}

// testConn skips the test unless a database is reachable via the standard
// connection env vars
func testConn(t *testing.T) *sql.Connection {
	t.Helper()
	if os.Getenv("DBHOST") == "" {
		t.Skip("DBHOST not set; skipping database tests")
	}

	db, err := sql.NewPostgresConn(nil)
	require.NoError(t, err)

	return db
}

// resetTestDB drops the tracking tables and any tables the test migrations
// create, so every test starts clean
func resetTestDB(t *testing.T, db *sql.Connection) {
	t.Helper()
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS public.mig_test_orders`,
		`DROP TABLE IF EXISTS public.mig_test_users`,
		`DROP TABLE IF EXISTS public.mig_test_widgets`,
		`DROP TABLE IF EXISTS public.schema_migrations`,
		`DROP TABLE IF EXISTS public.schema_migration_lock`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func newTestRunner(t *testing.T, db *sql.Connection, dir string) *Runner {
	t.Helper()
	r, err := NewRunner(db, &Config{MigrationsDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "001_users.rollback.sql", "DROP TABLE mig_test_users;")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "001", res.Version)

	// Second run with no new files applies nothing
	res, err = r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, "No pending migrations", res.Message)
}

func TestMigrateAtomicityOnFailure(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "002_broken.sql",
		"CREATE TABLE mig_test_widgets (id INT PRIMARY KEY);\nTHIS IS NOT SQL;")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, "002", res.Version)
	assert.Equal(t, 1, res.Applied)

	// 001 remains tracked and present, 002 left no trace - neither its
	// tracking row nor its half-created table
	applied, err := sqlmodel.AppliedMigrationGetAll(db)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "001", applied[0].Version)

	var count int
	row := db.QueryRow(`SELECT count(*) FROM information_schema.tables
		WHERE table_name = 'mig_test_widgets'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestRollbackRunsInDescendingOrder(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	// orders depends on users; rolling back users before orders would
	// violate the foreign key and fail
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "001_users.rollback.sql",
		"DROP TABLE mig_test_users;")
	writeFile(t, dir, "002_orders.sql",
		"CREATE TABLE mig_test_orders (id INT PRIMARY KEY, user_id INT REFERENCES mig_test_users(id));")
	writeFile(t, dir, "002_orders.rollback.sql",
		"DROP TABLE mig_test_orders;")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	res, err = r.Rollback("0")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, "0", res.Version)

	applied, err := sqlmodel.AppliedMigrationGetAll(db)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestRollbackToCurrentVersionIsNoOp(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "001_users.rollback.sql", "DROP TABLE mig_test_users;")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = r.Rollback("001")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Applied)
}

func TestRollbackRejectsUnknownTarget(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "001_users.rollback.sql", "DROP TABLE mig_test_users;")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success)

	// 005 was never applied - rolling back "to" it must be rejected
	res, err = r.Rollback("005")
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.True(t, e.ContainsError(res.Err, model.ErrMigrationVersionUnknown))
}

func TestRollbackRequiresRollbackFile(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = r.Rollback("0")
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.True(t, e.ContainsError(res.Err, model.ErrMigrationNoRollbackFile))

	// The migration stays tracked - nothing ran
	applied, err := sqlmodel.AppliedMigrationGetAll(db)
	require.NoError(t, err)
	assert.Len(t, applied, 1)
}

func TestMigrateFailsWhenLockHeld(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")

	require.NoError(t, Install(db))
	acquired, err := sqlmodel.MigrationLockTryAcquire(db, "another-runner")
	require.NoError(t, err)
	require.True(t, acquired)

	r, err := NewRunner(db, &Config{
		MigrationsDir: dir,
		LockTimeout:   time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.True(t, e.ContainsError(res.Err, model.ErrMigrationLockTimeout))

	// Release and retry - migration now proceeds
	require.NoError(t, sqlmodel.MigrationLockRelease(db))
	res, err = r.Migrate("")
	require.NoError(t, err)
	assert.True(t, res.Success, res.Message)
}

func TestMigrateStealsStaleLock(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")

	require.NoError(t, Install(db))
	acquired, err := sqlmodel.MigrationLockTryAcquire(db, "crashed-runner")
	require.NoError(t, err)
	require.True(t, acquired)

	// Backdate the lock past the steal threshold; the holder is treated as
	// crashed and the run proceeds without waiting out the timeout
	_, err = db.Exec(`UPDATE public.schema_migration_lock
		SET locked_at = now() - interval '10 minutes' WHERE id = 1`)
	require.NoError(t, err)

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.Applied)

	li, err := sqlmodel.MigrationLockGet(db)
	require.NoError(t, err)
	assert.False(t, li.Locked)
}

func TestVerifyReportsChecksumDrift(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	path := writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success)

	vr, err := r.Verify()
	require.NoError(t, err)
	assert.True(t, vr.Valid)
	assert.Empty(t, vr.Errors)

	// Editing the file after apply causes exactly one checksum error
	require.NoError(t, os.WriteFile(path,
		[]byte("CREATE TABLE mig_test_users (id BIGINT PRIMARY KEY);"), 0644))

	vr, err = r.Verify()
	require.NoError(t, err)
	require.False(t, vr.Valid)
	require.Len(t, vr.Errors, 1)
	assert.Contains(t, vr.Errors[0], "Checksum mismatch")
	assert.Contains(t, vr.Errors[0], "001")
}

func TestVerifyWarnsOnMissingFile(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	path := writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, os.Remove(path))

	// Missing file is a warning, not an error: the migration already
	// succeeded
	vr, err := r.Verify()
	require.NoError(t, err)
	assert.True(t, vr.Valid)
	assert.Empty(t, vr.Errors)
	require.Len(t, vr.Warnings, 1)
	assert.Contains(t, vr.Warnings[0], "001")
}

func TestStatusReportsAppliedPendingAndLock(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE mig_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "002_widgets.sql",
		"CREATE TABLE mig_test_widgets (id INT PRIMARY KEY);")

	r := newTestRunner(t, db, dir)

	res, err := r.Migrate("001")
	require.NoError(t, err)
	require.True(t, res.Success)

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, "001", st.CurrentVersion)
	require.Len(t, st.Applied, 1)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "002", st.Pending[0])
	assert.False(t, st.IsLocked)
}

func TestForceUnlock(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	require.NoError(t, Install(db))
	acquired, err := sqlmodel.MigrationLockTryAcquire(db, "stale-holder")
	require.NoError(t, err)
	require.True(t, acquired)

	r := newTestRunner(t, db, t.TempDir())

	unlocked, err := r.ForceUnlock()
	require.NoError(t, err)
	assert.True(t, unlocked)

	li, err := sqlmodel.MigrationLockGet(db)
	require.NoError(t, err)
	assert.False(t, li.Locked)
}
