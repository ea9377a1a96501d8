package diagnostics

import (
	"github.com/Skyrin/go-schema/diagnostics/model"
	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration"
	mmodel "github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/migration/sqlmodel"
)

const (
	ECode040201 = e.Code0402 + "01"
	ECode040202 = e.Code0402 + "02"
	ECode040203 = e.Code0402 + "03"
	ECode040204 = e.Code0402 + "04"
	ECode040205 = e.Code0402 + "05"
	ECode040206 = e.Code0402 + "06"
	ECode040207 = e.Code0402 + "07"
	ECode040208 = e.Code0402 + "08"
	ECode040209 = e.Code0402 + "09"
)

const (
	schemaListStmt = `
SELECT schema_name FROM information_schema.schemata
WHERE schema_name NOT LIKE 'pg\_%' AND schema_name <> 'information_schema'`

	tableListStmt = `
SELECT table_schema || '.' || table_name FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT LIKE 'pg\_%' AND table_schema <> 'information_schema'`

	functionListStmt = `
SELECT n.nspname || '.' || p.proname
FROM pg_proc p
JOIN pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname NOT LIKE 'pg\_%' AND n.nspname <> 'information_schema'`

	indexListStmt = `
SELECT schemaname || '.' || indexname FROM pg_indexes
WHERE schemaname NOT LIKE 'pg\_%' AND schemaname <> 'information_schema'`
)

// collectDatabaseState snapshots the tracking tables and the catalog objects.
// When the tracking tables are not installed yet, the applied list and lock
// info stay empty and Installed is false.
func (d *Diagnostics) collectDatabaseState() (ds *model.DatabaseState, err error) {
	ds = &model.DatabaseState{Installed: true}

	ds.AppliedMigrations, err = sqlmodel.AppliedMigrationGetAll(d.db)
	if err != nil {
		if !e.ContainsError(err, mmodel.ErrMigrationNotInstalled) {
			return nil, e.W(err, ECode040201)
		}
		ds.Installed = false
	}

	if ds.Installed {
		ds.LockInfo, err = sqlmodel.MigrationLockGet(d.db)
		if err != nil {
			if !e.ContainsError(err, mmodel.ErrMigrationNotInstalled) {
				return nil, e.W(err, ECode040202)
			}
			ds.LockInfo = nil
		}
	}

	if ds.Schemas, err = d.queryStrings(schemaListStmt); err != nil {
		return nil, e.W(err, ECode040203)
	}

	if ds.Tables, err = d.queryStrings(tableListStmt); err != nil {
		return nil, e.W(err, ECode040204)
	}

	if ds.Functions, err = d.queryStrings(functionListStmt); err != nil {
		return nil, e.W(err, ECode040205)
	}

	if ds.Indexes, err = d.queryStrings(indexListStmt); err != nil {
		return nil, e.W(err, ECode040206)
	}

	return ds, nil
}

// queryStrings runs a single-column catalog query into a string slice
func (d *Diagnostics) queryStrings(stmt string) (list []string, err error) {
	rows, err := d.db.Query(stmt)
	if err != nil {
		return nil, e.W(err, ECode040207)
	}
	defer rows.Close()

	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, e.W(err, ECode040208)
		}
		list = append(list, s)
	}

	return list, nil
}

// collectFileState snapshots the migrations directory, capturing each file's
// current checksum
func (d *Diagnostics) collectFileState() (fs *model.FileState, err error) {
	fs = &model.FileState{}

	mList, err := migration.DiscoverMigrations(d.dir)
	if err != nil {
		return nil, e.W(err, ECode040209)
	}

	for _, m := range mList {
		fm := &model.FileMigration{
			Version:      m.Version,
			Name:         m.Name,
			Path:         m.MigrationFile,
			RollbackPath: m.RollbackFile,
			HasRollback:  m.HasRollback(),
		}

		// A file vanishing between discovery and checksum leaves the
		// checksum empty; the detectors treat that as unreadable
		if sum, err := m.Checksum(); err == nil {
			fm.Checksum = sum
		}

		fs.Migrations = append(fs.Migrations, fm)
	}

	return fs, nil
}
