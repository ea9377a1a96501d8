// Package schema exposes the schema lifecycle operations the CLI layer
// consumes. It is a thin façade over the migration runner - all real logic
// lives in the migration and diagnostics packages.
package schema

import (
	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/sql"
	"github.com/rs/zerolog"
)

const (
	ECode050101 = e.Code0501 + "01"
	ECode050102 = e.Code0501 + "02"
	ECode050103 = e.Code0501 + "03"
	ECode050104 = e.Code0501 + "04"
	ECode050105 = e.Code0501 + "05"
	ECode050106 = e.Code0501 + "06"
	ECode050107 = e.Code0501 + "07"
)

// Manager wraps a migration runner for schema lifecycle operations
type Manager struct {
	db     *sql.Connection
	runner *migration.Runner
	log    zerolog.Logger
}

// NewManager initializes a manager over the connection
func NewManager(db *sql.Connection, cfg *migration.Config, log zerolog.Logger) (m *Manager, err error) {
	r, err := migration.NewRunner(db, cfg, log)
	if err != nil {
		return nil, e.W(err, ECode050101)
	}

	return &Manager{
		db:     db,
		runner: r,
		log:    log,
	}, nil
}

// Initialize creates the tracking tables and applies all pending migrations
func (m *Manager) Initialize() (res *model.MigrationResult, err error) {
	if err := migration.Install(m.db); err != nil {
		return nil, e.W(err, ECode050102)
	}

	res, err = m.runner.Migrate("")
	if err != nil {
		return nil, e.W(err, ECode050102)
	}

	return res, nil
}

// Update applies pending migrations up to targetVersion, or all of them when
// targetVersion is empty
func (m *Manager) Update(targetVersion string) (res *model.MigrationResult, err error) {
	res, err = m.runner.Migrate(targetVersion)
	if err != nil {
		return nil, e.W(err, ECode050103)
	}

	return res, nil
}

// Rollback rolls the schema back to targetVersion
func (m *Manager) Rollback(targetVersion string) (res *model.MigrationResult, err error) {
	res, err = m.runner.Rollback(targetVersion)
	if err != nil {
		return nil, e.W(err, ECode050104)
	}

	return res, nil
}

// Verify cross-checks recorded checksums against the on-disk files
func (m *Manager) Verify() (vr *model.VerificationResult, err error) {
	vr, err = m.runner.Verify()
	if err != nil {
		return nil, e.W(err, ECode050105)
	}

	return vr, nil
}

// Status reports the current tracking state
func (m *Manager) Status() (st *model.MigrationStatus, err error) {
	st, err = m.runner.Status()
	if err != nil {
		return nil, e.W(err, ECode050106)
	}

	return st, nil
}

// ForceUnlock releases the migration lock no matter who holds it
func (m *Manager) ForceUnlock() (unlocked bool, err error) {
	unlocked, err = m.runner.ForceUnlock()
	if err != nil {
		return false, e.W(err, ECode050107)
	}

	return unlocked, nil
}
