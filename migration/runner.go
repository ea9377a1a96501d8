package migration

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
	"github.com/Skyrin/go-schema/sql"
	"github.com/rs/zerolog"
)

const (
	ECode010301 = e.Code0103 + "01"
	ECode010302 = e.Code0103 + "02"
	ECode010303 = e.Code0103 + "03"
	ECode010304 = e.Code0103 + "04"
	ECode010305 = e.Code0103 + "05"
	ECode010306 = e.Code0103 + "06"
	ECode010307 = e.Code0103 + "07"
	ECode010308 = e.Code0103 + "08"
	ECode010309 = e.Code0103 + "09"
	ECode01030A = e.Code0103 + "0A"
	ECode01030B = e.Code0103 + "0B"
	ECode01030C = e.Code0103 + "0C"
	ECode01030D = e.Code0103 + "0D"
	ECode01030E = e.Code0103 + "0E"
	ECode01030F = e.Code0103 + "0F"
)

// Config runner configuration
type Config struct {
	// MigrationsDir the directory scanned for NNN_description.sql files
	MigrationsDir string
	// LockTimeout how long to wait for the advisory lock, defaults to
	// DefaultLockTimeout
	LockTimeout time.Duration
	// AppliedBy recorded in the tracking table and the lock row, defaults
	// to user@host/pid
	AppliedBy string
}

// Runner discovers migrations on disk, maintains the two tracking tables and
// applies/rolls back migrations transactionally. One runner holds one
// connection for the duration of each top level operation.
type Runner struct {
	db  *sql.Connection
	cfg *Config
	log zerolog.Logger
}

// NewRunner initializes a new runner
func NewRunner(db *sql.Connection, cfg *Config, log zerolog.Logger) (r *Runner, err error) {
	if cfg == nil || cfg.MigrationsDir == "" {
		return nil, e.N(ECode010301, "migrations directory is required")
	}

	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	if cfg.AppliedBy == "" {
		cfg.AppliedBy = defaultAppliedBy()
	}

	return &Runner{
		db:  db,
		cfg: cfg,
		log: log,
	}, nil
}

// defaultAppliedBy identifies this process in the tracking/lock tables
func defaultAppliedBy() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return fmt.Sprintf("%s@%s/%d", name, host, os.Getpid())
}

// DiscoverMigrations scans the configured directory, see DiscoverMigrations
func (r *Runner) DiscoverMigrations() (mList []*Migration, err error) {
	mList, err = DiscoverMigrations(r.cfg.MigrationsDir)
	if err != nil {
		return nil, e.W(err, ECode010302)
	}

	return mList, nil
}

// pendingMigrations returns the discovered migrations that have not been
// applied yet, optionally capped at targetVersion. The input is expected to
// already be in ascending version order.
func pendingMigrations(discovered []*Migration, applied map[string]bool,
	targetVersion string) (pending []*Migration) {
	for _, m := range discovered {
		if applied[m.Version] {
			continue
		}
		if targetVersion != "" && m.Version > targetVersion {
			continue
		}
		pending = append(pending, m)
	}

	return pending
}

// currentVersion the highest applied version, or "" when nothing is applied
func currentVersion(applied []*model.AppliedMigration) (v string) {
	for _, am := range applied {
		if am.Version > v {
			v = am.Version
		}
	}

	return v
}

// appliedVersionSet builds a version lookup from the applied rows
func appliedVersionSet(applied []*model.AppliedMigration) (set map[string]bool) {
	set = make(map[string]bool, len(applied))
	for _, am := range applied {
		set[am.Version] = true
	}

	return set
}

// Migrate applies all pending migrations in ascending version order, stopping
// at targetVersion if it is not empty. Each migration's SQL and its tracking
// row insert commit in the same transaction, so a failure can not leave one
// without the other. The batch stops at the first failure. The advisory lock
// is held for the whole batch and released on every path.
func (r *Runner) Migrate(targetVersion string) (res *model.MigrationResult, err error) {
	if err := Install(r.db); err != nil {
		return nil, e.W(err, ECode010303)
	}

	discovered, err := r.DiscoverMigrations()
	if err != nil {
		return nil, e.W(err, ECode010304)
	}

	applied, err := sqlmodel.AppliedMigrationGetAll(r.db)
	if err != nil {
		return nil, e.W(err, ECode010305)
	}

	pending := pendingMigrations(discovered, appliedVersionSet(applied), targetVersion)
	if len(pending) == 0 {
		return &model.MigrationResult{
			Success: true,
			Version: currentVersion(applied),
			Message: "No pending migrations",
		}, nil
	}

	if err := r.acquireLock(r.cfg.LockTimeout); err != nil {
		return &model.MigrationResult{
			Success: false,
			Message: "Failed to acquire migration lock",
			Err:     err,
		}, nil
	}
	defer r.releaseLock()

	count := 0
	version := currentVersion(applied)
	for _, m := range pending {
		if res, ok := r.applyOne(m); !ok {
			res.Applied = count
			return res, nil
		}

		count++
		version = m.Version
		r.log.Info().Msgf("applied migration %s (%s)", m.Version, m.Name)
	}

	return &model.MigrationResult{
		Success: true,
		Version: version,
		Applied: count,
		Message: fmt.Sprintf("Applied %d migration(s), now at version %s",
			count, version),
	}, nil
}

// applyOne runs a single migration and records it, both in one transaction.
// On ok=false the returned result names the offending version.
func (r *Runner) applyOne(m *Migration) (res *model.MigrationResult, ok bool) {
	fail := func(err error) (*model.MigrationResult, bool) {
		r.db.RollbackIfInTxn()
		return &model.MigrationResult{
			Success: false,
			Version: m.Version,
			Message: fmt.Sprintf("Migration %s failed", m.Version),
			Err:     err,
		}, false
	}

	// One checksum per logical apply - Checksum() rereads the file on every
	// call, and the recorded value must match the SQL that actually ran
	checksum, err := m.Checksum()
	if err != nil {
		return fail(err)
	}

	sqlUp, err := m.SQL()
	if err != nil {
		return fail(err)
	}

	var sqlDown []byte
	if m.HasRollback() {
		if sqlDown, err = m.RollbackSQL(); err != nil {
			return fail(err)
		}
	}

	if err := r.db.Begin(); err != nil {
		return fail(err)
	}

	start := time.Now()
	if err := m.Apply(r.db); err != nil {
		return fail(err)
	}

	success := true
	if err := sqlmodel.AppliedMigrationInsert(r.db, &sqlmodel.AppliedMigrationInsertParam{
		Version:         m.Version,
		Description:     m.Description(),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Checksum:        checksum,
		AppliedBy:       r.cfg.AppliedBy,
		SQLUp:           string(sqlUp),
		SQLDown:         string(sqlDown),
		Success:         &success,
	}); err != nil {
		return fail(err)
	}

	if err := r.db.Commit(); err != nil {
		return fail(err)
	}

	return nil, true
}

// Rollback undoes all applied migrations with a version greater than
// targetVersion, in descending version order. A missing rollback file is a
// hard failure before any SQL runs for that migration. Rolling back to the
// current version is a no-op; a target that is neither "0" nor an applied
// version is rejected.
func (r *Runner) Rollback(targetVersion string) (res *model.MigrationResult, err error) {
	if err := Install(r.db); err != nil {
		return nil, e.W(err, ECode010306)
	}

	applied, err := sqlmodel.AppliedMigrationGetAll(r.db)
	if err != nil {
		return nil, e.W(err, ECode010307)
	}

	cur := currentVersion(applied)
	if targetVersion == cur {
		return &model.MigrationResult{
			Success: true,
			Version: cur,
			Message: fmt.Sprintf("Already at version %s, nothing to roll back", cur),
		}, nil
	}

	if targetVersion != "0" && !appliedVersionSet(applied)[targetVersion] {
		return &model.MigrationResult{
			Success: false,
			Version: cur,
			Message: fmt.Sprintf("Cannot roll back to version %s", targetVersion),
			Err:     e.N(ECode010308, model.ErrMigrationVersionUnknown, targetVersion),
		}, nil
	}

	// Descending order - reverse of apply order. This is load bearing for
	// schemas with foreign key dependencies.
	var toUndo []*model.AppliedMigration
	for i := len(applied) - 1; i >= 0; i-- {
		if applied[i].Version > targetVersion {
			toUndo = append(toUndo, applied[i])
		}
	}

	discovered, err := r.DiscoverMigrations()
	if err != nil {
		return nil, e.W(err, ECode010309)
	}
	byVersion := make(map[string]*Migration, len(discovered))
	for _, m := range discovered {
		byVersion[m.Version] = m
	}

	if err := r.acquireLock(r.cfg.LockTimeout); err != nil {
		return &model.MigrationResult{
			Success: false,
			Message: "Failed to acquire migration lock",
			Err:     err,
		}, nil
	}
	defer r.releaseLock()

	count := 0
	for _, am := range toUndo {
		m := byVersion[am.Version]
		if m == nil || !m.HasRollback() {
			return &model.MigrationResult{
				Success: false,
				Version: am.Version,
				Applied: count,
				Message: fmt.Sprintf("Migration %s has no rollback file", am.Version),
				Err: e.N(ECode01030A, model.ErrMigrationNoRollbackFile,
					am.Version),
			}, nil
		}

		if res, ok := r.rollbackOne(m); !ok {
			res.Applied = count
			return res, nil
		}

		count++
		r.log.Info().Msgf("rolled back migration %s (%s)", m.Version, m.Name)
	}

	return &model.MigrationResult{
		Success: true,
		Version: targetVersion,
		Applied: count,
		Message: fmt.Sprintf("Rolled back %d migration(s), now at version %s",
			count, targetVersion),
	}, nil
}

// rollbackOne executes the rollback SQL and deletes the tracking row in one
// transaction. On failure the tracking row's continued presence is
// re-verified: if it vanished mid-failure, the stronger inconsistent-state
// error is reported instead of an ordinary rollback failure.
func (r *Runner) rollbackOne(m *Migration) (res *model.MigrationResult, ok bool) {
	fail := func(err error) (*model.MigrationResult, bool) {
		r.db.RollbackIfInTxn()

		msg := fmt.Sprintf("Rollback of %s failed", m.Version)
		am, checkErr := sqlmodel.AppliedMigrationGetByVersion(r.db, m.Version)
		if checkErr == nil && am == nil {
			msg = fmt.Sprintf(
				"Rollback of %s failed and its tracking row is gone - database may be in an inconsistent state",
				m.Version)
			err = e.W(err, ECode01030B, model.ErrMigrationInconsistentState)
		}

		return &model.MigrationResult{
			Success: false,
			Version: m.Version,
			Message: msg,
			Err:     err,
		}, false
	}

	if err := r.db.Begin(); err != nil {
		return fail(err)
	}

	if err := m.Rollback(r.db); err != nil {
		return fail(err)
	}

	if err := sqlmodel.AppliedMigrationDelete(r.db, m.Version); err != nil {
		return fail(err)
	}

	if err := r.db.Commit(); err != nil {
		return fail(err)
	}

	return nil, true
}

// Status reports the current version, the applied and pending lists and the
// lock state. It is purely read-only.
func (r *Runner) Status() (st *model.MigrationStatus, err error) {
	st = &model.MigrationStatus{}

	discovered, err := r.DiscoverMigrations()
	if err != nil {
		return nil, e.W(err, ECode01030D)
	}

	applied, err := sqlmodel.AppliedMigrationGetAll(r.db)
	if err != nil {
		if !e.ContainsError(err, model.ErrMigrationNotInstalled) {
			return nil, e.W(err, ECode01030C)
		}
		// Not installed yet: everything discovered is pending
		for _, m := range discovered {
			st.Pending = append(st.Pending, m.Version)
		}
		return st, nil
	}

	st.Applied = applied
	st.CurrentVersion = currentVersion(applied)

	appliedSet := appliedVersionSet(applied)
	for _, m := range discovered {
		if !appliedSet[m.Version] {
			st.Pending = append(st.Pending, m.Version)
		}
	}

	if li, err := sqlmodel.MigrationLockGet(r.db); err == nil {
		st.IsLocked = li.Locked
		st.LockInfo = li
	}

	return st, nil
}

// ForceUnlock releases the advisory lock no matter who holds it
func (r *Runner) ForceUnlock() (unlocked bool, err error) {
	if err := Install(r.db); err != nil {
		return false, e.W(err, ECode01030E)
	}

	if err := sqlmodel.MigrationLockRelease(r.db); err != nil {
		return false, e.W(err, ECode01030F)
	}

	r.log.Info().Msg("migration lock forcibly released")

	return true, nil
}
