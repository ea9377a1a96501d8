package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Skyrin/go-schema/diagnostics/model"
	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
)

const (
	ECode040301 = e.Code0403 + "01"
	ECode040302 = e.Code0403 + "02"
	ECode040303 = e.Code0403 + "03"
	ECode040304 = e.Code0403 + "04"
	ECode040305 = e.Code0403 + "05"
	ECode040306 = e.Code0403 + "06"
	ECode040307 = e.Code0403 + "07"
	ECode040308 = e.Code0403 + "08"
	ECode040309 = e.Code0403 + "09"
)

// repairAppliedBy recorded on tracking rows inserted by a repair
const repairAppliedBy = "diagnostics-repair"

// repairOutcome result of one repair attempt
type repairOutcome int

const (
	repairFixed repairOutcome = iota
	repairSkipped
	repairFailed
)

// Repair applies targeted fixes for the passed issues, most severe first.
// When issues is nil a fresh Diagnose supplies them. Only auto-fixable issues
// are attempted unless force is true. Each repair runs in its own transaction
// so a failure repairing one issue never blocks repairing the rest. Repairs
// are deliberately conservative - force unlocks the destructive variants.
func (d *Diagnostics) Repair(issues []*model.MigrationIssue,
	force bool) (res *model.RepairResult, err error) {
	if issues == nil {
		dr, err := d.Diagnose()
		if err != nil {
			return nil, e.W(err, ECode040301)
		}
		issues = dr.Issues
	}

	sorted := make([]*model.MigrationIssue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})

	res = &model.RepairResult{Success: true}
	for _, issue := range sorted {
		if !issue.AutoFixable && !force {
			res.IssuesRemaining = append(res.IssuesRemaining, issue)
			res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf(
				"skipped %s (%s): not auto-fixable, use force to attempt",
				issue.Type, issue.Version))
			continue
		}

		outcome, action := d.repairOne(issue, force)
		res.ActionsTaken = append(res.ActionsTaken, action)

		switch outcome {
		case repairFixed:
			res.IssuesFixed = append(res.IssuesFixed, issue)
		default:
			res.IssuesRemaining = append(res.IssuesRemaining, issue)
		}

		if outcome == repairFailed {
			res.Success = false
		}
	}

	if len(res.IssuesRemaining) > 0 {
		res.Success = false
	}

	return res, nil
}

// repairOne dispatches the repair for a single issue. DB repairs run in their
// own transaction; any error rolls that transaction back and is reported in
// the action log.
func (d *Diagnostics) repairOne(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string) {
	var fn func(*model.MigrationIssue, bool) (repairOutcome, string, error)

	switch issue.Type {
	case model.IssueMissingTracking:
		fn = d.repairMissingTracking
	case model.IssueChecksumMismatch:
		fn = d.repairChecksumMismatch
	case model.IssueStuckLock:
		fn = d.repairStuckLock
	case model.IssuePartialMigration:
		fn = d.repairPartialMigration
	case model.IssueDuplicateVersion:
		fn = d.repairDuplicateVersion
	case model.IssueCorruptedData:
		fn = d.repairCorruptedData
	case model.IssueInvalidMigration:
		fn = d.repairInvalidMigration
	default:
		return repairSkipped, fmt.Sprintf(
			"skipped %s (%s): no automated repair exists", issue.Type, issue.Version)
	}

	outcome, action, err := fn(issue, force)
	if err != nil {
		d.db.RollbackIfInTxn()
		d.log.Error().Err(err).Msgf("repair of %s (%s) failed",
			issue.Type, issue.Version)
		return repairFailed, fmt.Sprintf("failed to repair %s (%s): %s",
			issue.Type, issue.Version, err.Error())
	}

	d.db.RollbackIfInTxn()

	return outcome, action
}

// repairMissingTracking inserts the tracking row an applied-but-untracked
// migration is missing, recording the current file checksum. Existing data is
// untouched.
func (d *Diagnostics) repairMissingTracking(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string, err error) {
	path := issue.Details["file"]
	m, err := migration.NewMigration(path)
	if err != nil {
		return repairFailed, "", e.W(err, ECode040302)
	}

	checksum, err := m.Checksum()
	if err != nil {
		return repairFailed, "", e.W(err, ECode040302)
	}

	sqlUp, err := m.SQL()
	if err != nil {
		return repairFailed, "", e.W(err, ECode040302)
	}

	var sqlDown []byte
	if m.HasRollback() {
		if sqlDown, err = m.RollbackSQL(); err != nil {
			return repairFailed, "", e.W(err, ECode040302)
		}
	}

	if err := d.db.Begin(); err != nil {
		return repairFailed, "", e.W(err, ECode040302)
	}

	success := true
	if err := sqlmodel.AppliedMigrationInsert(d.db, &sqlmodel.AppliedMigrationInsertParam{
		Version:     m.Version,
		Description: m.Description(),
		Checksum:    checksum,
		AppliedBy:   repairAppliedBy,
		SQLUp:       string(sqlUp),
		SQLDown:     string(sqlDown),
		Success:     &success,
	}); err != nil {
		return repairFailed, "", e.W(err, ECode040302)
	}

	if err := d.db.Commit(); err != nil {
		return repairFailed, "", e.W(err, ECode040302)
	}

	return repairFixed, fmt.Sprintf(
		"inserted tracking row for migration %s (checksum %s)",
		m.Version, checksum), nil
}

// repairChecksumMismatch re-records the current file checksum for the version
func (d *Diagnostics) repairChecksumMismatch(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string, err error) {
	current := issue.Details["current"]
	if current == "" {
		return repairFailed, "", e.N(ECode040303, "current checksum unknown")
	}

	if err := d.db.Begin(); err != nil {
		return repairFailed, "", e.W(err, ECode040303)
	}

	if err := sqlmodel.AppliedMigrationUpdate(d.db, issue.Version,
		&sqlmodel.AppliedMigrationUpdateParam{Checksum: &current}); err != nil {
		return repairFailed, "", e.W(err, ECode040303)
	}

	if err := d.db.Commit(); err != nil {
		return repairFailed, "", e.W(err, ECode040303)
	}

	return repairFixed, fmt.Sprintf(
		"re-recorded checksum for migration %s as %s", issue.Version, current), nil
}

// repairStuckLock releases the stuck lock
func (d *Diagnostics) repairStuckLock(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string, err error) {
	if err := sqlmodel.MigrationLockRelease(d.db); err != nil {
		return repairFailed, "", e.W(err, ECode040304)
	}

	return repairFixed, "released stuck migration lock", nil
}

// repairPartialMigration resets a failed row for retry; with force it deletes
// the row outright
func (d *Diagnostics) repairPartialMigration(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string, err error) {
	if err := d.db.Begin(); err != nil {
		return repairFailed, "", e.W(err, ECode040305)
	}

	if force {
		if err := sqlmodel.AppliedMigrationDelete(d.db, issue.Version); err != nil {
			return repairFailed, "", e.W(err, ECode040305)
		}
		if err := d.db.Commit(); err != nil {
			return repairFailed, "", e.W(err, ECode040305)
		}
		return repairFixed, fmt.Sprintf(
			"deleted failed tracking row for migration %s", issue.Version), nil
	}

	if err := sqlmodel.AppliedMigrationUpdate(d.db, issue.Version,
		&sqlmodel.AppliedMigrationUpdateParam{SuccessToNull: true}); err != nil {
		return repairFailed, "", e.W(err, ECode040305)
	}

	if err := d.db.Commit(); err != nil {
		return repairFailed, "", e.W(err, ECode040305)
	}

	return repairFixed, fmt.Sprintf(
		"reset migration %s for retry", issue.Version), nil
}

// repairDuplicateVersion removes all but the most recently inserted row for
// the version
func (d *Diagnostics) repairDuplicateVersion(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string, err error) {
	if err := d.db.Begin(); err != nil {
		return repairFailed, "", e.W(err, ECode040306)
	}

	removed, err := sqlmodel.AppliedMigrationDeleteDuplicates(d.db, issue.Version)
	if err != nil {
		return repairFailed, "", e.W(err, ECode040306)
	}

	if err := d.db.Commit(); err != nil {
		return repairFailed, "", e.W(err, ECode040306)
	}

	_, remaining, err := sqlmodel.AppliedMigrationGet(d.db, &sqlmodel.AppliedMigrationGetParam{
		Limit:     1,
		Version:   &issue.Version,
		FlagCount: true,
	})
	if err != nil {
		return repairFailed, "", e.W(err, ECode040306)
	}
	if remaining != 1 {
		return repairFailed, "", e.N(ECode040306, fmt.Sprintf(
			"expected 1 row for version %s after dedup, found %d",
			issue.Version, remaining))
	}

	return repairFixed, fmt.Sprintf(
		"removed %d duplicate row(s) for version %s", removed, issue.Version), nil
}

// repairCorruptedData deletes a row missing its version or description (force
// only - the row's effects are unknowable) and recomputes a malformed checksum
// from the file when the file still exists
func (d *Diagnostics) repairCorruptedData(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string, err error) {
	if issue.Details["reason"] == corruptionMissingField || issue.Version == "" {
		if !force {
			return repairSkipped, fmt.Sprintf(
				"skipped %s (%s): deleting a corrupted row requires force",
				issue.Type, issue.Version), nil
		}

		if err := d.db.Begin(); err != nil {
			return repairFailed, "", e.W(err, ECode040307)
		}
		if issue.Version == "" {
			if _, err := d.db.Exec(
				`DELETE FROM public.schema_migrations WHERE version IS NULL OR version = ''`); err != nil {
				return repairFailed, "", e.W(err, ECode040307)
			}
		} else {
			if err := sqlmodel.AppliedMigrationDelete(d.db, issue.Version); err != nil {
				return repairFailed, "", e.W(err, ECode040307)
			}
		}
		if err := d.db.Commit(); err != nil {
			return repairFailed, "", e.W(err, ECode040307)
		}

		if issue.Version == "" {
			return repairFixed, "deleted tracking row(s) without a version", nil
		}
		return repairFixed, fmt.Sprintf(
			"deleted corrupted tracking row for version %s", issue.Version), nil
	}

	// Malformed checksum: recompute from the current file
	mList, err := migration.DiscoverMigrations(d.dir)
	if err != nil {
		return repairFailed, "", e.W(err, ECode040308)
	}

	for _, m := range mList {
		if m.Version != issue.Version {
			continue
		}

		checksum, err := m.Checksum()
		if err != nil {
			return repairFailed, "", e.W(err, ECode040308)
		}

		if err := d.db.Begin(); err != nil {
			return repairFailed, "", e.W(err, ECode040308)
		}
		if err := sqlmodel.AppliedMigrationUpdate(d.db, issue.Version,
			&sqlmodel.AppliedMigrationUpdateParam{Checksum: &checksum}); err != nil {
			return repairFailed, "", e.W(err, ECode040308)
		}
		if err := d.db.Commit(); err != nil {
			return repairFailed, "", e.W(err, ECode040308)
		}

		return repairFixed, fmt.Sprintf(
			"recomputed checksum for migration %s from its file", issue.Version), nil
	}

	return repairSkipped, fmt.Sprintf(
		"skipped %s (%s): no file exists to recompute the checksum from",
		issue.Type, issue.Version), nil
}

// repairInvalidMigration renames the file to a zero-padded 3 digit version.
// Only attempted with force, and only when the migration is not yet tracked -
// renaming a tracked migration would break its version/checksum linkage.
func (d *Diagnostics) repairInvalidMigration(issue *model.MigrationIssue,
	force bool) (outcome repairOutcome, action string, err error) {
	if !force {
		return repairSkipped, fmt.Sprintf(
			"skipped %s (%s): renaming files requires force",
			issue.Type, issue.Version), nil
	}

	n, convErr := strconv.Atoi(issue.Version)
	if convErr != nil || n > 999 {
		return repairSkipped, fmt.Sprintf(
			"skipped %s (%s): version cannot be normalized to 3 digits",
			issue.Type, issue.Version), nil
	}
	padded := fmt.Sprintf("%03d", n)

	am, err := sqlmodel.AppliedMigrationGetByVersion(d.db, issue.Version)
	if err != nil {
		return repairFailed, "", e.W(err, ECode040309)
	}
	if am != nil {
		return repairSkipped, fmt.Sprintf(
			"skipped %s (%s): migration is tracked, rename it manually",
			issue.Type, issue.Version), nil
	}

	path := issue.Details["file"]
	base := filepath.Base(path)
	newBase := padded + strings.TrimPrefix(base, issue.Version)
	newPath := filepath.Join(filepath.Dir(path), newBase)
	if err := os.Rename(path, newPath); err != nil {
		return repairFailed, "", e.W(err, ECode040309)
	}

	oldRollback := strings.TrimSuffix(path, ".sql") + migration.RollbackSuffix
	if _, statErr := os.Stat(oldRollback); statErr == nil {
		newRollback := strings.TrimSuffix(newPath, ".sql") + migration.RollbackSuffix
		if err := os.Rename(oldRollback, newRollback); err != nil {
			return repairFailed, "", e.W(err, ECode040309)
		}
	}

	return repairFixed, fmt.Sprintf(
		"renamed %s to %s", base, newBase), nil
}
