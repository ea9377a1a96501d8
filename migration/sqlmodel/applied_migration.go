package sqlmodel

import (
	"fmt"

	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/sql"
)

const (
	// AppliedMigrationTableName the ledger of applied migrations
	AppliedMigrationTableName = "public.schema_migrations"

	ECode030101 = e.Code0301 + "01"
	ECode030102 = e.Code0301 + "02"
	ECode030103 = e.Code0301 + "03"
	ECode030104 = e.Code0301 + "04"
	ECode030105 = e.Code0301 + "05"
	ECode030106 = e.Code0301 + "06"
	ECode030107 = e.Code0301 + "07"
	ECode030108 = e.Code0301 + "08"
	ECode030109 = e.Code0301 + "09"
	ECode03010A = e.Code0301 + "0A"
	ECode03010B = e.Code0301 + "0B"
	ECode03010C = e.Code0301 + "0C"
	ECode03010D = e.Code0301 + "0D"
	ECode03010E = e.Code0301 + "0E"
	ECode03010F = e.Code0301 + "0F"
)

// appliedMigrationCreateStmt schema-on-first-use definition of the tracking
// table. The full up/down SQL is stored so an operator can audit or manually
// reverse a migration whose files are gone.
const appliedMigrationCreateStmt = `
CREATE TABLE IF NOT EXISTS public.schema_migrations (
	version TEXT PRIMARY KEY,
	description TEXT,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL,
	applied_by TEXT,
	sql_up TEXT,
	sql_down TEXT,
	success BOOLEAN
)`

// AppliedMigrationTableCreate creates the schema_migrations table if it does
// not exist yet
func AppliedMigrationTableCreate(db *sql.Connection) (err error) {
	if _, err := db.Exec(appliedMigrationCreateStmt); err != nil {
		return e.W(err, ECode030101)
	}

	return nil
}

// AppliedMigrationGetParam get params
type AppliedMigrationGetParam struct {
	Limit          uint64
	Offset         uint64
	Version        *string
	FlagCount      bool
	OrderByVersion string
}

// AppliedMigrationInsertParam insert params
type AppliedMigrationInsertParam struct {
	Version         string
	Description     string
	ExecutionTimeMS int64
	Checksum        string
	AppliedBy       string
	SQLUp           string
	SQLDown         string
	Success         *bool
}

// AppliedMigrationUpdateParam update params
type AppliedMigrationUpdateParam struct {
	Checksum *string
	// Success updates the success flag; SuccessToNull clears it instead so a
	// partially applied migration can be retried
	Success       *bool
	SuccessToNull bool
}

// AppliedMigrationInsert performs insert
func AppliedMigrationInsert(db *sql.Connection, ip *AppliedMigrationInsertParam) (err error) {
	// applied_at is left to its column default of now()
	ib := db.Insert(AppliedMigrationTableName).
		Columns(`version,description,execution_time_ms,
		checksum,applied_by,sql_up,sql_down,success`).
		Values(ip.Version, ip.Description, ip.ExecutionTimeMS,
			ip.Checksum, ip.AppliedBy, ip.SQLUp, ip.SQLDown, ip.Success)

	if err := db.ExecInsert(ib); err != nil {
		return e.W(err, ECode030102,
			fmt.Sprintf("params: %s, %s, %d, %s, %s, SQL redacted",
				ip.Version, ip.Description, ip.ExecutionTimeMS,
				ip.Checksum, ip.AppliedBy))
	}

	return nil
}

// AppliedMigrationUpdate performs update by version
func AppliedMigrationUpdate(db *sql.Connection, version string,
	up *AppliedMigrationUpdateParam) (err error) {
	if up == nil {
		return nil // Nothing to update
	}

	ub := db.Update(AppliedMigrationTableName).
		Where("version=?", version)

	if up.Checksum != nil {
		ub = ub.Set("checksum", *up.Checksum)
	}

	if up.SuccessToNull {
		ub = ub.Set("success", nil)
	} else if up.Success != nil {
		ub = ub.Set("success", *up.Success)
	}

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode030103,
			fmt.Sprintf("params: %s, %v, %v", version, up.Checksum, up.Success))
	}

	return nil
}

// AppliedMigrationGet performs select
func AppliedMigrationGet(db *sql.Connection,
	p *AppliedMigrationGetParam) (amList []*model.AppliedMigration, count int, err error) {
	if p.Limit == 0 {
		p.Limit = 1
	}

	fields := `coalesce(version,''),coalesce(description,''),applied_at,
	coalesce(execution_time_ms,0),coalesce(checksum,''),coalesce(applied_by,''),
	coalesce(sql_up,''),coalesce(sql_down,''),success`

	sb := db.Select(sql.FieldPlaceHolder).
		From(AppliedMigrationTableName).
		Limit(p.Limit)

	if p.Version != nil {
		sb = sb.Where("version=?", *p.Version)
	}

	if p.FlagCount {
		// Get the count before applying an offset if there is one
		count, err = db.QueryCount(sb)
		if err != nil {
			if e.IsPQError(err, e.PQErr42P01) {
				return nil, 0, e.N(ECode030105, model.ErrMigrationNotInstalled)
			}
			return nil, 0, e.W(err, ECode030106)
		}
	}

	sb = sb.Offset(p.Offset)

	if p.OrderByVersion != "" {
		sb = sb.OrderBy(fmt.Sprintf("version %s", p.OrderByVersion))
	}

	rows, err := db.ToSQLWFieldAndQuery(sb, fields)
	if err != nil {
		if e.IsPQError(err, e.PQErr42P01) {
			return nil, 0, e.N(ECode030108, model.ErrMigrationNotInstalled)
		}
		return nil, 0, e.W(err, ECode030109)
	}
	defer rows.Close()

	for rows.Next() {
		am := &model.AppliedMigration{}
		if err := rows.Scan(&am.Version, &am.Description, &am.AppliedAt,
			&am.ExecutionTimeMS, &am.Checksum, &am.AppliedBy,
			&am.SQLUp, &am.SQLDown, &am.Success); err != nil {
			return nil, 0, e.W(err, ECode03010A)
		}

		amList = append(amList, am)
	}

	return amList, count, nil
}

// AppliedMigrationGetAll returns all applied migrations in ascending version
// order
func AppliedMigrationGetAll(db *sql.Connection) (amList []*model.AppliedMigration, err error) {
	amList, _, err = AppliedMigrationGet(db, &AppliedMigrationGetParam{
		Limit:          100000,
		OrderByVersion: "asc",
	})
	if err != nil {
		return nil, e.W(err, ECode03010B)
	}

	return amList, nil
}

// AppliedMigrationGetByVersion returns the applied migration for the version,
// or nil if no row exists
func AppliedMigrationGetByVersion(db *sql.Connection, version string) (am *model.AppliedMigration, err error) {
	amList, _, err := AppliedMigrationGet(db, &AppliedMigrationGetParam{
		Limit:   1,
		Version: &version,
	})
	if err != nil {
		return nil, e.W(err, ECode03010C)
	}

	if len(amList) == 0 {
		return nil, nil
	}

	return amList[0], nil
}

// AppliedMigrationDelete deletes the tracking row for the version
func AppliedMigrationDelete(db *sql.Connection, version string) (err error) {
	delB := db.Delete(AppliedMigrationTableName).
		Where("version=?", version)

	if err := db.ExecDelete(delB); err != nil {
		return e.W(err, ECode03010D, fmt.Sprintf("version: %s", version))
	}

	return nil
}

// AppliedMigrationDeleteDuplicates removes all but the most recently inserted
// row for the version. Duplicates can only exist when the primary key
// constraint has been dropped or corrupted, so this uses the physical row id.
func AppliedMigrationDeleteDuplicates(db *sql.Connection, version string) (removed int64, err error) {
	res, err := db.Exec(`DELETE FROM public.schema_migrations a
		USING public.schema_migrations b
		WHERE a.version = b.version AND a.version = $1 AND a.ctid < b.ctid`,
		version)
	if err != nil {
		return 0, e.W(err, ECode03010E, fmt.Sprintf("version: %s", version))
	}

	removed, err = res.RowsAffected()
	if err != nil {
		return 0, e.W(err, ECode03010F)
	}

	return removed, nil
}
