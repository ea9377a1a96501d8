package sqlmodel

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/sql"
)

const (
	// MigrationLockTableName the single row advisory lock serializing
	// migration runs across processes
	MigrationLockTableName = "public.schema_migration_lock"

	ECode030201 = e.Code0302 + "01"
	ECode030202 = e.Code0302 + "02"
	ECode030203 = e.Code0302 + "03"
	ECode030204 = e.Code0302 + "04"
	ECode030205 = e.Code0302 + "05"
	ECode030206 = e.Code0302 + "06"
)

const migrationLockCreateStmt = `
CREATE TABLE IF NOT EXISTS public.schema_migration_lock (
	id INT PRIMARY KEY CHECK (id = 1),
	locked BOOLEAN NOT NULL DEFAULT false,
	locked_at TIMESTAMPTZ,
	locked_by TEXT
)`

// MigrationLockTableCreate creates the schema_migration_lock table if needed
// and seeds the single lock row
func MigrationLockTableCreate(db *sql.Connection) (err error) {
	if _, err := db.Exec(migrationLockCreateStmt); err != nil {
		return e.W(err, ECode030201)
	}

	if _, err := db.Exec(`INSERT INTO public.schema_migration_lock
		(id, locked) VALUES (1, false)
		ON CONFLICT (id) DO NOTHING`); err != nil {
		return e.W(err, ECode030202)
	}

	return nil
}

// MigrationLockGet returns the current lock row
func MigrationLockGet(db *sql.Connection) (li *model.LockInfo, err error) {
	li = &model.LockInfo{}

	row := db.QueryRow(fmt.Sprintf(
		`SELECT locked, locked_at, locked_by FROM %s WHERE id = 1`,
		MigrationLockTableName))
	if err := row.Scan(&li.Locked, &li.LockedAt, &li.LockedBy); err != nil {
		if e.IsPQError(err, e.PQErr42P01) || e.IsNoRowsPQError(err) {
			return nil, e.N(ECode030203, model.ErrMigrationNotInstalled)
		}
		return nil, e.W(err, ECode030203)
	}

	return li, nil
}

// MigrationLockTryAcquire attempts a conditional take of the lock. It only
// succeeds when the lock row is currently unlocked.
func MigrationLockTryAcquire(db *sql.Connection, lockedBy string) (acquired bool, err error) {
	ub := db.Update(MigrationLockTableName).
		Set("locked", true).
		Set("locked_at", sq.Expr("now()")).
		Set("locked_by", lockedBy).
		Where("id=? AND locked=false", 1)

	count, err := db.ExecUpdateRowsAffected(ub)
	if err != nil {
		return false, e.W(err, ECode030204, fmt.Sprintf("lockedBy: %s", lockedBy))
	}

	return count > 0, nil
}

// MigrationLockSteal forcibly reacquires a lock whose locked_at is older than
// the staleness threshold, treating the holder as a crashed process. The
// check is time based, not liveness checked - a slow but alive holder can
// have its lock stolen.
func MigrationLockSteal(db *sql.Connection, lockedBy string,
	staleAfter time.Duration) (stolen bool, err error) {
	ub := db.Update(MigrationLockTableName).
		Set("locked", true).
		Set("locked_at", sq.Expr("now()")).
		Set("locked_by", lockedBy).
		Where("id=? AND locked=true", 1).
		Where(sq.Expr("locked_at < now() - ?::interval",
			fmt.Sprintf("%d seconds", int(staleAfter.Seconds()))))

	count, err := db.ExecUpdateRowsAffected(ub)
	if err != nil {
		return false, e.W(err, ECode030205, fmt.Sprintf("lockedBy: %s", lockedBy))
	}

	return count > 0, nil
}

// MigrationLockRelease unconditionally releases the lock
func MigrationLockRelease(db *sql.Connection) (err error) {
	ub := db.Update(MigrationLockTableName).
		Set("locked", false).
		Set("locked_at", nil).
		Set("locked_by", nil).
		Where("id=?", 1)

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode030206)
	}

	return nil
}
