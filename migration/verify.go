package migration

import (
	"fmt"

	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
)

const (
	ECode010601 = e.Code0106 + "01"
	ECode010602 = e.Code0106 + "02"
	ECode010603 = e.Code0106 + "03"
)

// nonTrackingTableCountStmt counts user tables other than the two tracking
// tables, used to detect the "migrations recorded but schema absent"
// contradiction
const nonTrackingTableCountStmt = `
SELECT count(*) FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN ('pg_catalog', 'information_schema')
  AND table_name NOT IN ('schema_migrations', 'schema_migration_lock')`

// Verify cross-checks every applied migration's recorded checksum against the
// current on-disk file. A mismatch is an error naming both checksums; a
// missing file is a warning, since the migration already succeeded and its
// effect is irreversible in practice without the file. It also runs a broader
// state-consistency pass: duplicate version rows and an "applied migrations
// but schema absent" contradiction are errors. Verify is report-only and
// never mutates anything.
func (r *Runner) Verify() (vr *model.VerificationResult, err error) {
	vr = &model.VerificationResult{Valid: true}

	applied, err := sqlmodel.AppliedMigrationGetAll(r.db)
	if err != nil {
		if e.ContainsError(err, model.ErrMigrationNotInstalled) {
			vr.Warnings = append(vr.Warnings,
				"Migration tracking tables not installed - nothing to verify")
			return vr, nil
		}
		return nil, e.W(err, ECode010601)
	}

	discovered, err := r.DiscoverMigrations()
	if err != nil {
		return nil, e.W(err, ECode010602)
	}

	byVersion := make(map[string]*Migration, len(discovered))
	for _, m := range discovered {
		byVersion[m.Version] = m
	}

	seen := map[string]int{}
	for _, am := range applied {
		seen[am.Version]++

		m := byVersion[am.Version]
		if m == nil {
			vr.Warnings = append(vr.Warnings, fmt.Sprintf(
				"Migration file for version %s is missing", am.Version))
			continue
		}

		current, err := m.Checksum()
		if err != nil {
			vr.Errors = append(vr.Errors, fmt.Sprintf(
				"Cannot read migration file for version %s: %s",
				am.Version, err.Error()))
			continue
		}

		if current != am.Checksum {
			vr.Errors = append(vr.Errors, fmt.Sprintf(
				"Checksum mismatch for version %s: recorded %s, current file %s",
				am.Version, am.Checksum, current))
		}
	}

	for version, n := range seen {
		if n > 1 {
			vr.Errors = append(vr.Errors, fmt.Sprintf(
				"Version %s appears %d times in the tracking table", version, n))
		}
	}

	if len(applied) > 0 {
		var tableCount int
		row := r.db.QueryRow(nonTrackingTableCountStmt)
		if err := row.Scan(&tableCount); err != nil {
			return nil, e.W(err, ECode010603)
		}

		if tableCount == 0 {
			vr.Errors = append(vr.Errors, fmt.Sprintf(
				"%d migration(s) recorded but the database contains no schema objects",
				len(applied)))
		}
	}

	vr.Valid = len(vr.Errors) == 0

	return vr, nil
}
