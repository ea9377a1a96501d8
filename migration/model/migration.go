package model

import (
	"database/sql"
	"time"
)

// AppliedMigration a row in the schema_migrations tracking table. The full
// up/down SQL text is stored for audit and recovery purposes.
type AppliedMigration struct {
	Version         string
	Description     string
	AppliedAt       time.Time
	ExecutionTimeMS int64
	Checksum        string
	AppliedBy       string
	SQLUp           string
	SQLDown         string
	// Success is NULL for rows inserted before a migration outcome is known
	// and for rows reset by a repair so the migration can be retried
	Success sql.NullBool
}

// LockInfo the single advisory lock row in schema_migration_lock
type LockInfo struct {
	Locked   bool
	LockedAt sql.NullTime
	LockedBy sql.NullString
}

// IsStale reports whether the lock has been held longer than the threshold,
// relative to now
func (li *LockInfo) IsStale(threshold time.Duration, now time.Time) bool {
	if !li.Locked || !li.LockedAt.Valid {
		return false
	}
	return now.Sub(li.LockedAt.Time) > threshold
}

// MigrationResult outcome of a migrate or rollback run
type MigrationResult struct {
	Success bool
	// Version the current version after the run, or the offending version
	// on failure
	Version string
	Message string
	Err     error
	// Applied the number of migrations applied/rolled back during the run
	Applied int
}

// MigrationStatus read-only report of the tracking state
type MigrationStatus struct {
	CurrentVersion string
	Applied        []*AppliedMigration
	Pending        []string
	IsLocked       bool
	LockInfo       *LockInfo
}

// VerificationResult outcome of a verify run. Verify is report-only: checksum
// drift and state contradictions land in Errors, a missing file for an already
// applied migration lands in Warnings.
type VerificationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}
