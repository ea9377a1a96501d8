package e

// Constants in here define error codes that are unique to a package/function.
// The first two characters define the package, within this repo, and the
// second two characters define the file within that package. Furthermore,
// when creating an error, the e.N/e.W funcs should be called with a code that
// also appends a two character unique id within the file.
//
// Valid values for the characters are: 0-9 and A-Z. Packages starting with a
// number should be reserved for packages within the go-schema repository.
// Other repository packages may use any code starting with a letter.

const (
	// package: migration
	Code0101 = "0101" // package:migration | migration/migration.go
	Code0102 = "0102" // package:migration | migration/discover.go
	Code0103 = "0103" // package:migration | migration/runner.go
	Code0104 = "0104" // package:migration | migration/lock.go
	Code0105 = "0105" // package:migration | migration/install.go
	Code0106 = "0106" // package:migration | migration/verify.go

	// package: sql
	Code0201 = "0201" // package:sql | sql/sql.go
	Code0202 = "0202" // package:sql | sql/row.go
	Code0203 = "0203" // package:sql | sql/rows.go
	Code0204 = "0204" // package:sql | sql/txn.go
	Code0205 = "0205" // package:sql | sql/count.go

	// package: migration/sqlmodel
	Code0301 = "0301" // package:migration/sqlmodel | migration/sqlmodel/applied_migration.go
	Code0302 = "0302" // package:migration/sqlmodel | migration/sqlmodel/migration_lock.go

	// package: diagnostics
	Code0401 = "0401" // package:diagnostics | diagnostics/diagnostics.go
	Code0402 = "0402" // package:diagnostics | diagnostics/state.go
	Code0403 = "0403" // package:diagnostics | diagnostics/repair.go

	// package: schema
	Code0501 = "0501" // package:schema | schema/schema.go
)
