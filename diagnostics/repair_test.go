package diagnostics

import (
	"os"
	"testing"

	"github.com/Skyrin/go-schema/diagnostics/model"
	"github.com/Skyrin/go-schema/migration"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
	"github.com/Skyrin/go-schema/sql"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairSkipsNonAutoFixableWithoutForce(t *testing.T) {
	d := &Diagnostics{log: zerolog.Nop()}

	issues := []*model.MigrationIssue{
		{Type: model.IssueMissingFile, Severity: model.SeverityMedium, Version: "001"},
		{Type: model.IssueRollbackMissing, Severity: model.SeverityLow, Version: "002"},
	}

	res, err := d.Repair(issues, false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.IssuesFixed)
	require.Len(t, res.IssuesRemaining, 2)
	require.Len(t, res.ActionsTaken, 2)
	for _, action := range res.ActionsTaken {
		assert.Contains(t, action, "not auto-fixable")
	}
}

func TestRepairOrdersBySeverity(t *testing.T) {
	d := &Diagnostics{log: zerolog.Nop()}

	issues := []*model.MigrationIssue{
		{Type: model.IssueRollbackMissing, Severity: model.SeverityLow, Version: "001"},
		{Type: model.IssueMissingFile, Severity: model.SeverityMedium, Version: "002"},
		{Type: model.IssueOrphanedSchema, Severity: model.SeverityMedium, Version: "003"},
		{Type: model.IssueInvalidMigration, Severity: model.SeverityHigh, Version: "004"},
	}

	res, err := d.Repair(issues, false)
	require.NoError(t, err)

	// Most severe first; equal severities keep their input order
	require.Len(t, res.ActionsTaken, 4)
	assert.Contains(t, res.ActionsTaken[0], string(model.IssueInvalidMigration))
	assert.Contains(t, res.ActionsTaken[1], string(model.IssueMissingFile))
	assert.Contains(t, res.ActionsTaken[2], string(model.IssueOrphanedSchema))
	assert.Contains(t, res.ActionsTaken[3], string(model.IssueRollbackMissing))
}

func TestRepairHasNoFixForMissingFile(t *testing.T) {
	d := &Diagnostics{log: zerolog.Nop()}

	issues := []*model.MigrationIssue{
		{Type: model.IssueMissingFile, Severity: model.SeverityMedium, Version: "001"},
	}

	// Even with force there is nothing to do for a missing file
	res, err := d.Repair(issues, true)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.ActionsTaken, 1)
	assert.Contains(t, res.ActionsTaken[0], "no automated repair exists")
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

func resetTestDB(t *testing.T, db *sql.Connection) {
	t.Helper()
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS public.diag_test_users`,
		`DROP TABLE IF EXISTS public.schema_migrations`,
		`DROP TABLE IF EXISTS public.schema_migration_lock`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func TestDiagnoseAndRepairRoundTrip(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE diag_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "001_users.rollback.sql",
		"DROP TABLE diag_test_users;")

	r, err := migration.NewRunner(db, &migration.Config{MigrationsDir: dir},
		zerolog.Nop())
	require.NoError(t, err)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	d := New(db, dir, zerolog.Nop())

	dr, err := d.Diagnose()
	require.NoError(t, err)
	// pre-existing schemas in the test database may legitimately show up as
	// orphaned; everything else must be clean
	for _, issue := range dr.Issues {
		assert.Equal(t, model.IssueOrphanedSchema, issue.Type, issue.Description)
	}
	assert.True(t, dr.DatabaseState.Installed)
	assert.True(t, dr.DatabaseState.HasTable("diag_test_users"))

	// Manufacture a checksum drift: re-record a bogus checksum for 001
	bogus := checksum64('f')
	require.NoError(t, db.Begin())
	require.NoError(t, sqlmodel.AppliedMigrationUpdate(db, "001",
		&sqlmodel.AppliedMigrationUpdateParam{Checksum: &bogus}))
	require.NoError(t, db.Commit())

	dr, err = d.Diagnose()
	require.NoError(t, err)
	require.False(t, dr.Success)
	var found *model.MigrationIssue
	for _, issue := range dr.Issues {
		if issue.Type == model.IssueChecksumMismatch {
			found = issue
		}
	}
	require.NotNil(t, found, "expected a checksum_mismatch issue")
	assert.Equal(t, bogus, found.Details["recorded"])

	rr, err := d.Repair([]*model.MigrationIssue{found}, false)
	require.NoError(t, err)
	assert.True(t, rr.Success, "%+v", rr.ActionsTaken)
	require.Len(t, rr.IssuesFixed, 1)

	// Drift repaired: only the rollback-covered migration remains, so the
	// state diagnoses clean again
	dr, err = d.Diagnose()
	require.NoError(t, err)
	for _, issue := range dr.Issues {
		assert.NotEqual(t, model.IssueChecksumMismatch, issue.Type)
	}
}

func TestRepairMissingTrackingInsertsRow(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE diag_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "001_users.rollback.sql",
		"DROP TABLE diag_test_users;")

	// Apply by hand without recording, then install the tracking tables
	_, err := db.Exec("CREATE TABLE diag_test_users (id INT PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, migration.Install(db))

	d := New(db, dir, zerolog.Nop())

	dr, err := d.Diagnose()
	require.NoError(t, err)
	var found *model.MigrationIssue
	for _, issue := range dr.Issues {
		if issue.Type == model.IssueMissingTracking {
			found = issue
		}
	}
	require.NotNil(t, found, "expected a missing_tracking issue")
	assert.Equal(t, "001", found.Version)

	rr, err := d.Repair([]*model.MigrationIssue{found}, false)
	require.NoError(t, err)
	assert.True(t, rr.Success, "%+v", rr.ActionsTaken)

	am, err := sqlmodel.AppliedMigrationGetByVersion(db, "001")
	require.NoError(t, err)
	require.NotNil(t, am)
	assert.Equal(t, "diagnostics-repair", am.AppliedBy)
	assert.Equal(t, found.Details["checksum"], am.Checksum)
}

func TestRepairCorruptedRowRequiresForce(t *testing.T) {
	d := &Diagnostics{log: zerolog.Nop()}

	issue := &model.MigrationIssue{
		Type:     model.IssueCorruptedData,
		Severity: model.SeverityHigh,
		Version:  "002",
		Details:  map[string]string{"reason": "missing_field"},
	}

	// Without force the row is left alone and the action says why - the
	// checksum branch must not be entered for a missing-field row
	outcome, action, err := d.repairCorruptedData(issue, false)
	require.NoError(t, err)
	assert.Equal(t, repairSkipped, outcome)
	assert.Contains(t, action, "requires force")
	assert.NotContains(t, action, "checksum")
}

func TestRepairPartialMigration(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	dir := t.TempDir()
	writeFile(t, dir, "001_users.sql",
		"CREATE TABLE diag_test_users (id INT PRIMARY KEY);")
	writeFile(t, dir, "001_users.rollback.sql",
		"DROP TABLE diag_test_users;")

	r, err := migration.NewRunner(db, &migration.Config{MigrationsDir: dir},
		zerolog.Nop())
	require.NoError(t, err)

	res, err := r.Migrate("")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	markFailed := func() {
		f := false
		require.NoError(t, db.Begin())
		require.NoError(t, sqlmodel.AppliedMigrationUpdate(db, "001",
			&sqlmodel.AppliedMigrationUpdateParam{Success: &f}))
		require.NoError(t, db.Commit())
	}
	markFailed()

	d := New(db, dir, zerolog.Nop())

	dr, err := d.Diagnose()
	require.NoError(t, err)
	var found *model.MigrationIssue
	for _, issue := range dr.Issues {
		if issue.Type == model.IssuePartialMigration {
			found = issue
		}
	}
	require.NotNil(t, found, "expected a partial_migration issue")

	// Without force the row is reset for retry: success goes to NULL and
	// the row survives
	rr, err := d.Repair([]*model.MigrationIssue{found}, false)
	require.NoError(t, err)
	assert.True(t, rr.Success, "%+v", rr.ActionsTaken)

	am, err := sqlmodel.AppliedMigrationGetByVersion(db, "001")
	require.NoError(t, err)
	require.NotNil(t, am)
	assert.False(t, am.Success.Valid)

	// With force the failed row is deleted outright
	markFailed()
	rr, err = d.Repair([]*model.MigrationIssue{found}, true)
	require.NoError(t, err)
	assert.True(t, rr.Success, "%+v", rr.ActionsTaken)

	am, err = sqlmodel.AppliedMigrationGetByVersion(db, "001")
	require.NoError(t, err)
	assert.Nil(t, am)
}

func TestRepairCorruptedRowDeletesWithForce(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	require.NoError(t, migration.Install(db))
	_, err := db.Exec(`INSERT INTO public.schema_migrations
		(version, description, checksum) VALUES ('002', '', $1)`,
		checksum64('b'))
	require.NoError(t, err)

	d := New(db, t.TempDir(), zerolog.Nop())

	dr, err := d.Diagnose()
	require.NoError(t, err)
	var found *model.MigrationIssue
	for _, issue := range dr.Issues {
		if issue.Type == model.IssueCorruptedData {
			found = issue
		}
	}
	require.NotNil(t, found, "expected a corrupted_data issue")
	assert.Equal(t, "002", found.Version)

	// Without force the row survives
	rr, err := d.Repair([]*model.MigrationIssue{found}, false)
	require.NoError(t, err)
	assert.False(t, rr.Success)
	am, err := sqlmodel.AppliedMigrationGetByVersion(db, "002")
	require.NoError(t, err)
	require.NotNil(t, am)

	// With force the empty-description row is deleted, and the issue does
	// not resurface on the next diagnose
	rr, err = d.Repair([]*model.MigrationIssue{found}, true)
	require.NoError(t, err)
	assert.True(t, rr.Success, "%+v", rr.ActionsTaken)

	am, err = sqlmodel.AppliedMigrationGetByVersion(db, "002")
	require.NoError(t, err)
	assert.Nil(t, am)

	dr, err = d.Diagnose()
	require.NoError(t, err)
	for _, issue := range dr.Issues {
		assert.NotEqual(t, model.IssueCorruptedData, issue.Type)
	}
}

func TestRepairStuckLock(t *testing.T) {
	db := testConn(t)
	defer db.Close()
	resetTestDB(t, db)
	defer resetTestDB(t, db)

	require.NoError(t, migration.Install(db))
	acquired, err := sqlmodel.MigrationLockTryAcquire(db, "dead-process")
	require.NoError(t, err)
	require.True(t, acquired)

	// Backdate the lock past the stuck threshold
	_, err = db.Exec(`UPDATE public.schema_migration_lock
		SET locked_at = now() - interval '2 hours' WHERE id = 1`)
	require.NoError(t, err)

	d := New(db, t.TempDir(), zerolog.Nop())

	dr, err := d.Diagnose()
	require.NoError(t, err)
	var found *model.MigrationIssue
	for _, issue := range dr.Issues {
		if issue.Type == model.IssueStuckLock {
			found = issue
		}
	}
	require.NotNil(t, found, "expected a stuck_lock issue")

	rr, err := d.Repair([]*model.MigrationIssue{found}, false)
	require.NoError(t, err)
	assert.True(t, rr.Success, "%+v", rr.ActionsTaken)

	li, err := sqlmodel.MigrationLockGet(db)
	require.NoError(t, err)
	assert.False(t, li.Locked)
}
