package model

import (
	mmodel "github.com/Skyrin/go-schema/migration/model"
)

// IssueType one of the ten inconsistency categories the diagnostic engine
// detects
type IssueType string

const (
	IssueMissingTracking  IssueType = "missing_tracking"
	IssueMissingFile      IssueType = "missing_file"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
	IssueInvalidMigration IssueType = "invalid_migration"
	IssueStuckLock        IssueType = "stuck_lock"
	IssueOrphanedSchema   IssueType = "orphaned_schema"
	IssuePartialMigration IssueType = "partial_migration"
	IssueDuplicateVersion IssueType = "duplicate_version"
	IssueCorruptedData    IssueType = "corrupted_data"
	IssueRollbackMissing  IssueType = "rollback_missing"
)

// Severity issue severity
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, higher is more severe
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}

	return 0
}

// MigrationIssue one structured finding describing a specific inconsistency
// between database state and migration files. Produced fresh on every
// diagnose run, never persisted.
type MigrationIssue struct {
	Type         IssueType
	Severity     Severity
	Version      string
	Description  string
	Details      map[string]string
	SuggestedFix string
	AutoFixable  bool
}

// FileMigration the file-side view of one discovered migration, with the
// checksum captured at snapshot time
type FileMigration struct {
	Version      string
	Name         string
	Path         string
	RollbackPath string
	Checksum     string
	HasRollback  bool
}

// FileState point-in-time snapshot of the migrations directory
type FileState struct {
	Migrations []*FileMigration
}

// ByVersion builds a version lookup over the snapshot
func (fs *FileState) ByVersion() map[string]*FileMigration {
	m := make(map[string]*FileMigration, len(fs.Migrations))
	for _, fm := range fs.Migrations {
		m[fm.Version] = fm
	}

	return m
}

// DatabaseState point-in-time snapshot of the tracking tables and the
// catalog objects visible to the connection. Diagnostics reads are not
// transactionally isolated from concurrent migration runs - this is a
// snapshot tool, not a guard.
type DatabaseState struct {
	// Installed false when the tracking tables do not exist yet
	Installed         bool
	AppliedMigrations []*mmodel.AppliedMigration
	LockInfo          *mmodel.LockInfo
	Schemas           []string
	// Tables schema-qualified as "schema.table"
	Tables    []string
	Functions []string
	Indexes   []string
}

// HasTable reports whether the catalog snapshot contains the table. The name
// may be bare or schema-qualified; bare names match any schema.
func (ds *DatabaseState) HasTable(name string) bool {
	for _, t := range ds.Tables {
		if t == name {
			return true
		}
		// bare name: match the part after the schema qualifier
		for i := 0; i < len(t); i++ {
			if t[i] == '.' && t[i+1:] == name {
				return true
			}
		}
	}

	return false
}

// HasSchema reports whether the catalog snapshot contains the schema
func (ds *DatabaseState) HasSchema(name string) bool {
	for _, s := range ds.Schemas {
		if s == name {
			return true
		}
	}

	return false
}

// DiagnosticResult outcome of a diagnose run
type DiagnosticResult struct {
	Success       bool
	Issues        []*MigrationIssue
	DatabaseState *DatabaseState
	FileState     *FileState
	// Inconsistencies notes about detectors that could not complete
	Inconsistencies []string
}

// RepairResult outcome of a repair run. Each repair is independent - a
// failure repairing one issue never blocks the rest.
type RepairResult struct {
	Success         bool
	IssuesFixed     []*MigrationIssue
	IssuesRemaining []*MigrationIssue
	ActionsTaken    []string
}
