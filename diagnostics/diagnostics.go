// Package diagnostics detects and repairs inconsistencies between the
// migration tracking tables and the migration files on disk. Diagnose always
// recomputes both sides fresh and runs ten independent detector passes; each
// detector and each repair is independently fault tolerant.
package diagnostics

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Skyrin/go-schema/diagnostics/model"
	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/sql"
	"github.com/rs/zerolog"
)

const (
	ECode040101 = e.Code0401 + "01"
	ECode040102 = e.Code0401 + "02"
)

const (
	// StuckLockThreshold how old a held lock must be before diagnostics
	// flags it as stuck. Deliberately laxer than the runner's 5 minute
	// steal threshold.
	StuckLockThreshold = time.Hour
)

var (
	// createdTableRE extracts table names from CREATE TABLE statements.
	// String based SQL parsing is inherently best-effort; this is a
	// heuristic lint, not a correctness guarantee.
	createdTableRE = regexp.MustCompile(
		`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:([a-zA-Z_][\w$]*)\.)?([a-zA-Z_][\w$]*)`)
	// createdSchemaRE extracts schema names from CREATE SCHEMA statements
	createdSchemaRE = regexp.MustCompile(
		`(?i)CREATE\s+SCHEMA\s+(?:IF\s+NOT\s+EXISTS\s+)?([a-zA-Z_][\w$]*)`)
	// validVersionRE the strict 3 digit version format diagnostics enforces
	validVersionRE = regexp.MustCompile(`^\d{3}$`)
)

// Diagnostics compares database-recorded state against discovered files and
// can apply targeted repairs
type Diagnostics struct {
	db  *sql.Connection
	dir string
	log zerolog.Logger
}

// New initializes a diagnostics engine over the connection and migrations
// directory
func New(db *sql.Connection, migrationsDir string, log zerolog.Logger) *Diagnostics {
	return &Diagnostics{
		db:  db,
		dir: migrationsDir,
		log: log,
	}
}

// detector one independent detection pass over the two snapshots
type detector struct {
	name string
	fn   func(ds *model.DatabaseState, fs *model.FileState) []*model.MigrationIssue
}

// detectors returns all passes. Each operates only on the snapshots, so a
// pass can never see state newer than the snapshot it was given.
func (d *Diagnostics) detectors() []detector {
	return []detector{
		{"missing_tracking", d.detectMissingTracking},
		{"missing_file", detectMissingFile},
		{"checksum_mismatch", detectChecksumMismatch},
		{"invalid_migration", detectInvalidMigration},
		{"stuck_lock", detectStuckLock},
		{"orphaned_schema", detectOrphanedSchema},
		{"partial_migration", detectPartialMigration},
		{"duplicate_version", detectDuplicateVersion},
		{"corrupted_data", detectCorruptedData},
		{"rollback_missing", detectRollbackMissing},
	}
}

// Diagnose recomputes database and file state fresh, then runs every
// detector. A detector failing is converted into an inconsistency note
// rather than aborting the run.
func (d *Diagnostics) Diagnose() (res *model.DiagnosticResult, err error) {
	res = &model.DiagnosticResult{Success: true}

	res.DatabaseState, err = d.collectDatabaseState()
	if err != nil {
		return nil, e.W(err, ECode040101)
	}

	res.FileState, err = d.collectFileState()
	if err != nil {
		return nil, e.W(err, ECode040102)
	}

	for _, det := range d.detectors() {
		issues, detErr := runDetector(det, res.DatabaseState, res.FileState)
		if detErr != nil {
			res.Inconsistencies = append(res.Inconsistencies,
				fmt.Sprintf("detector %s failed: %s", det.name, detErr.Error()))
			d.log.Warn().Err(detErr).Msgf("detector %s failed", det.name)
			continue
		}
		res.Issues = append(res.Issues, issues...)
	}

	res.Success = len(res.Issues) == 0 && len(res.Inconsistencies) == 0

	return res, nil
}

// runDetector contains a panicking detector so one pass can not take down
// the whole diagnostic run
func runDetector(det detector, ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue, err error) {
	defer func() {
		if r := recover(); r != nil {
			issues = nil
			err = e.N(ECode040101, fmt.Sprintf("panic: %v", r))
		}
	}()

	return det.fn(ds, fs), nil
}

// detectMissingTracking flags migrations whose effects appear present in the
// database but which have no tracking row. A migration "appears applied" only
// when it creates at least one table and every table it creates exists in the
// catalog snapshot - migrations that create no tables are never claimed
// applied.
func (d *Diagnostics) detectMissingTracking(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	tracked := map[string]bool{}
	for _, am := range ds.AppliedMigrations {
		tracked[am.Version] = true
	}

	for _, fm := range fs.Migrations {
		if tracked[fm.Version] {
			continue
		}

		sqlText, err := os.ReadFile(fm.Path)
		if err != nil {
			continue
		}

		if !appearsApplied(string(sqlText), ds) {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssueMissingTracking,
			Severity: model.SeverityHigh,
			Version:  fm.Version,
			Description: fmt.Sprintf(
				"Migration %s appears applied but has no tracking row", fm.Version),
			Details: map[string]string{
				"file":     fm.Path,
				"checksum": fm.Checksum,
			},
			SuggestedFix: "Insert a tracking row recording the migration as applied",
			AutoFixable:  true,
		})
	}

	return issues
}

// appearsApplied reports whether every table the SQL creates exists in the
// catalog snapshot. At least one CREATE TABLE must be present.
func appearsApplied(sqlText string, ds *model.DatabaseState) bool {
	tables := parseCreatedTables(sqlText)
	if len(tables) == 0 {
		return false
	}

	for _, t := range tables {
		if !ds.HasTable(t) {
			return false
		}
	}

	return true
}

// parseCreatedTables extracts the (optionally schema-qualified) table names a
// SQL text creates
func parseCreatedTables(sqlText string) (tables []string) {
	for _, m := range createdTableRE.FindAllStringSubmatch(sqlText, -1) {
		if m[1] != "" {
			tables = append(tables, m[1]+"."+m[2])
		} else {
			tables = append(tables, m[2])
		}
	}

	return tables
}

// parseCreatedSchemas extracts the schema names a SQL text creates
func parseCreatedSchemas(sqlText string) (schemas []string) {
	for _, m := range createdSchemaRE.FindAllStringSubmatch(sqlText, -1) {
		schemas = append(schemas, m[1])
	}

	return schemas
}

// detectMissingFile flags tracking rows whose on-disk file is gone
func detectMissingFile(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	files := fs.ByVersion()

	for _, am := range ds.AppliedMigrations {
		if am.Version == "" {
			continue // corrupted_data territory
		}
		if _, ok := files[am.Version]; ok {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssueMissingFile,
			Severity: model.SeverityMedium,
			Version:  am.Version,
			Description: fmt.Sprintf(
				"Migration %s is tracked as applied but its file is missing", am.Version),
			Details: map[string]string{
				"description": am.Description,
				"applied_by":  am.AppliedBy,
			},
			SuggestedFix: "Restore the migration file from version control",
			AutoFixable:  false,
		})
	}

	return issues
}

// detectChecksumMismatch flags tracking rows whose recorded checksum no
// longer matches the current file checksum
func detectChecksumMismatch(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	files := fs.ByVersion()

	for _, am := range ds.AppliedMigrations {
		fm, ok := files[am.Version]
		if !ok || fm.Checksum == "" || am.Checksum == "" {
			continue
		}
		if fm.Checksum == am.Checksum {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssueChecksumMismatch,
			Severity: model.SeverityHigh,
			Version:  am.Version,
			Description: fmt.Sprintf(
				"Checksum mismatch for migration %s: the file changed after it was applied",
				am.Version),
			Details: map[string]string{
				"recorded": am.Checksum,
				"current":  fm.Checksum,
			},
			SuggestedFix: "Re-record the current file checksum if the change is intentional",
			AutoFixable:  true,
		})
	}

	return issues
}

// detectInvalidMigration flags discovered files whose version is not the
// strict zero-padded 3 digit format. The runner accepts any digit run, but
// mixed widths break lexicographic ordering.
func detectInvalidMigration(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	for _, fm := range fs.Migrations {
		if validVersionRE.MatchString(fm.Version) {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssueInvalidMigration,
			Severity: model.SeverityHigh,
			Version:  fm.Version,
			Description: fmt.Sprintf(
				"Migration version %q is not a zero-padded 3 digit number", fm.Version),
			Details: map[string]string{
				"file": fm.Path,
			},
			SuggestedFix: "Rename the file to a zero-padded 3 digit version (requires force)",
			AutoFixable:  false,
		})
	}

	return issues
}

// detectStuckLock flags a lock held longer than StuckLockThreshold
func detectStuckLock(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	li := ds.LockInfo
	if li == nil || !li.IsStale(StuckLockThreshold, time.Now()) {
		return nil
	}

	holder := ""
	if li.LockedBy.Valid {
		holder = li.LockedBy.String
	}

	return []*model.MigrationIssue{{
		Type:     model.IssueStuckLock,
		Severity: model.SeverityCritical,
		Description: fmt.Sprintf(
			"Migration lock has been held since %s by %s",
			li.LockedAt.Time.Format(time.RFC3339), holder),
		Details: map[string]string{
			"locked_by": holder,
			"locked_at": li.LockedAt.Time.Format(time.RFC3339),
		},
		SuggestedFix: "Release the lock if no migration is actually running",
		AutoFixable:  true,
	}}
}

// detectOrphanedSchema flags catalog schemas that no tracked or discovered
// migration creates. Attribution is a regex scan for CREATE SCHEMA over all
// known SQL, so this is best-effort only.
func detectOrphanedSchema(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	created := map[string]bool{"public": true}

	for _, am := range ds.AppliedMigrations {
		for _, s := range parseCreatedSchemas(am.SQLUp) {
			created[strings.ToLower(s)] = true
		}
	}
	for _, fm := range fs.Migrations {
		b, err := os.ReadFile(fm.Path)
		if err != nil {
			continue
		}
		for _, s := range parseCreatedSchemas(string(b)) {
			created[strings.ToLower(s)] = true
		}
	}

	for _, schema := range ds.Schemas {
		if created[strings.ToLower(schema)] {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssueOrphanedSchema,
			Severity: model.SeverityMedium,
			Description: fmt.Sprintf(
				"Schema %q exists but no known migration creates it", schema),
			Details: map[string]string{
				"schema": schema,
			},
			SuggestedFix: "Add a migration creating the schema, or drop it manually",
			AutoFixable:  false,
		})
	}

	return issues
}

// detectPartialMigration flags tracking rows recorded with success=false
func detectPartialMigration(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	for _, am := range ds.AppliedMigrations {
		if !am.Success.Valid || am.Success.Bool {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssuePartialMigration,
			Severity: model.SeverityHigh,
			Version:  am.Version,
			Description: fmt.Sprintf(
				"Migration %s is recorded as failed", am.Version),
			Details: map[string]string{
				"description": am.Description,
			},
			SuggestedFix: "Reset the row for retry, or delete it with force",
			AutoFixable:  true,
		})
	}

	return issues
}

// detectDuplicateVersion flags versions appearing more than once in the
// tracking table - only possible when the primary key constraint is gone
func detectDuplicateVersion(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	counts := map[string]int{}
	for _, am := range ds.AppliedMigrations {
		counts[am.Version]++
	}

	for _, am := range ds.AppliedMigrations {
		if counts[am.Version] < 2 {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssueDuplicateVersion,
			Severity: model.SeverityHigh,
			Version:  am.Version,
			Description: fmt.Sprintf(
				"Version %s appears %d times in the tracking table",
				am.Version, counts[am.Version]),
			SuggestedFix: "Remove all but the most recent row for the version",
			AutoFixable:  true,
		})

		// one issue per duplicated version
		counts[am.Version] = 0
	}

	return issues
}

// corruption reasons carried in a corrupted_data issue's Details, so the
// repair can tell a row that must be deleted from one whose checksum can be
// recomputed
const (
	corruptionMissingField = "missing_field"
	corruptionBadChecksum  = "malformed_checksum"
)

// detectCorruptedData flags tracking rows missing their version or
// description, or whose checksum is not a 64 char SHA-256 hex digest
func detectCorruptedData(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	for _, am := range ds.AppliedMigrations {
		switch {
		case am.Version == "" || am.Description == "":
			issues = append(issues, &model.MigrationIssue{
				Type:     model.IssueCorruptedData,
				Severity: model.SeverityHigh,
				Version:  am.Version,
				Description: fmt.Sprintf(
					"Tracking row (version %q) is missing its version or description",
					am.Version),
				Details: map[string]string{
					"reason": corruptionMissingField,
				},
				SuggestedFix: "Delete the corrupted row (requires force)",
				AutoFixable:  true,
			})
		case len(am.Checksum) != 64:
			issues = append(issues, &model.MigrationIssue{
				Type:     model.IssueCorruptedData,
				Severity: model.SeverityMedium,
				Version:  am.Version,
				Description: fmt.Sprintf(
					"Tracking row for %s has a malformed checksum (%d chars)",
					am.Version, len(am.Checksum)),
				Details: map[string]string{
					"reason":   corruptionBadChecksum,
					"checksum": am.Checksum,
				},
				SuggestedFix: "Recompute the checksum from the migration file",
				AutoFixable:  true,
			})
		}
	}

	return issues
}

// detectRollbackMissing flags discovered migrations without a rollback file.
// Absence is legal - such a migration is simply unrollbackable.
func detectRollbackMissing(ds *model.DatabaseState,
	fs *model.FileState) (issues []*model.MigrationIssue) {
	for _, fm := range fs.Migrations {
		if fm.HasRollback {
			continue
		}

		issues = append(issues, &model.MigrationIssue{
			Type:     model.IssueRollbackMissing,
			Severity: model.SeverityLow,
			Version:  fm.Version,
			Description: fmt.Sprintf(
				"Migration %s has no rollback file", fm.Version),
			Details: map[string]string{
				"file": fm.Path,
			},
			SuggestedFix: "Write a " + fm.Version + "_*.rollback.sql script",
			AutoFixable:  false,
		})
	}

	return issues
}
