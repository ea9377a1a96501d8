package migration

import (
	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
	"github.com/Skyrin/go-schema/sql"
)

const (
	ECode010501 = e.Code0105 + "01"
	ECode010502 = e.Code0105 + "02"
)

// Install creates the tracking tables if they do not exist yet and seeds the
// lock row. It is safe to call repeatedly - every runner operation calls it
// before touching the tracking state.
func Install(db *sql.Connection) (err error) {
	if err := sqlmodel.AppliedMigrationTableCreate(db); err != nil {
		return e.W(err, ECode010501)
	}

	if err := sqlmodel.MigrationLockTableCreate(db); err != nil {
		return e.W(err, ECode010502)
	}

	return nil
}
