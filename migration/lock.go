package migration

import (
	"fmt"
	"time"

	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
)

const (
	ECode010401 = e.Code0104 + "01"
	ECode010402 = e.Code0104 + "02"
)

const (
	// DefaultLockTimeout how long an operation waits to acquire the lock
	// before giving up
	DefaultLockTimeout = 300 * time.Second
	// LockStaleThreshold how old a held lock must be before the runner
	// forcibly reacquires it, treating the holder as crashed. This is the
	// only crash-recovery mechanism for locks and is time based, not
	// liveness checked. Diagnostics uses a deliberately laxer one hour
	// threshold before flagging a lock as stuck - the runner is more eager
	// to self-heal than the diagnostic tool is to alarm.
	LockStaleThreshold = 5 * time.Minute
	// lockPollInterval how frequently acquisition is retried
	lockPollInterval = time.Second
)

// acquireLock polls for the advisory lock until it is taken or the timeout
// elapses. Each failed attempt also tries to steal a stale lock.
func (r *Runner) acquireLock(timeout time.Duration) (err error) {
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := sqlmodel.MigrationLockTryAcquire(r.db, r.cfg.AppliedBy)
		if err != nil {
			return e.W(err, ECode010401)
		}
		if acquired {
			return nil
		}

		stolen, err := sqlmodel.MigrationLockSteal(r.db, r.cfg.AppliedBy, LockStaleThreshold)
		if err != nil {
			return e.W(err, ECode010401)
		}
		if stolen {
			r.log.Warn().Msgf("stole migration lock older than %s", LockStaleThreshold)
			return nil
		}

		if !time.Now().Add(lockPollInterval).Before(deadline) {
			break
		}

		time.Sleep(lockPollInterval)
	}

	holder := "unknown"
	if li, liErr := sqlmodel.MigrationLockGet(r.db); liErr == nil && li.LockedBy.Valid {
		holder = li.LockedBy.String
	}

	return e.N(ECode010402, model.ErrMigrationLockTimeout,
		fmt.Sprintf("held by: %s, waited: %s", holder, timeout))
}

// releaseLock unconditionally releases the lock. Failures are logged, not
// returned - the operation's own outcome takes precedence.
func (r *Runner) releaseLock() {
	if err := sqlmodel.MigrationLockRelease(r.db); err != nil {
		r.log.Error().Err(err).Msg("failed to release migration lock")
	}
}
