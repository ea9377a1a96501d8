package model

const (
	ErrMigrationNotInstalled      = "SCHM.01: Migration tracking tables not installed"
	ErrMigrationFileNameInvalid   = "SCHM.02: Invalid migration file name"
	ErrMigrationLockTimeout       = "SCHM.03: Failed to acquire migration lock"
	ErrMigrationNoRollbackFile    = "SCHM.04: Migration has no rollback file"
	ErrMigrationVersionUnknown    = "SCHM.05: Target version does not exist"
	ErrMigrationInconsistentState = "SCHM.06: Database may be in an inconsistent state"
	ErrMigrationChecksumMismatch  = "SCHM.07: Checksum mismatch"
	ErrMigrationNone              = "SCHM.08: No migrations exist yet"
)
