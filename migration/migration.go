// Package migration provides a file based schema migration runner for
// Postgres databases. Migrations are plain SQL files named NNN_description.sql
// with an optional NNN_description.rollback.sql inverse. Applied migrations
// are tracked in the schema_migrations table together with a SHA-256 checksum
// of the file contents, and concurrent runs are serialized with the single row
// schema_migration_lock table.
//
// Basic usage (errors ignored for example code):
//
//	db, _ := sql.NewPostgresConn(nil)
//	r, _ := migration.NewRunner(db, &migration.Config{MigrationsDir: "db/migrations"}, logger)
//	res, _ := r.Migrate("")
package migration

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Skyrin/go-schema/e"
	"github.com/Skyrin/go-schema/migration/model"
	"github.com/Skyrin/go-schema/sql"
)

const (
	ECode010101 = e.Code0101 + "01"
	ECode010102 = e.Code0101 + "02"
	ECode010103 = e.Code0101 + "03"
	ECode010104 = e.Code0101 + "04"
	ECode010105 = e.Code0101 + "05"
	ECode010106 = e.Code0101 + "06"
	ECode010107 = e.Code0101 + "07"
)

const (
	// RollbackSuffix the file name suffix identifying rollback scripts
	RollbackSuffix = ".rollback.sql"
	// descriptionPrefix the comment marker scanned for in the first lines of
	// a migration file
	descriptionPrefix = "-- Description:"
	// descriptionMaxLines how many leading lines are scanned for the
	// description comment
	descriptionMaxLines = 10
)

// fileNameRE the migration file name contract: a leading digit run, an
// underscore, then the human readable name
var fileNameRE = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// Migration one versioned SQL change-set with an optional rollback script.
// Instances are ephemeral - they are recreated by every directory scan and
// only their fields are ever persisted.
type Migration struct {
	Version       string
	Name          string
	MigrationFile string
	RollbackFile  string
}

// NewMigration parses the migration file path into a Migration. The base name
// must match NNN_description.sql or an error is returned.
func NewMigration(path string) (m *Migration, err error) {
	base := filepath.Base(path)
	parts := fileNameRE.FindStringSubmatch(base)
	if parts == nil {
		return nil, e.N(ECode010101, model.ErrMigrationFileNameInvalid,
			fmt.Sprintf("file: %s", base))
	}

	return &Migration{
		Version:       parts[1],
		Name:          parts[2],
		MigrationFile: path,
	}, nil
}

// HasRollback indicates whether a rollback script was discovered for this
// migration
func (m *Migration) HasRollback() bool {
	return m.RollbackFile != ""
}

// SQL reads and returns the migration file contents
func (m *Migration) SQL() (b []byte, err error) {
	b, err = os.ReadFile(m.MigrationFile)
	if err != nil {
		return nil, e.W(err, ECode010102, fmt.Sprintf("file: %s", m.MigrationFile))
	}

	return b, nil
}

// RollbackSQL reads and returns the rollback file contents. It is an error to
// call this when no rollback file exists.
func (m *Migration) RollbackSQL() (b []byte, err error) {
	if !m.HasRollback() {
		return nil, e.N(ECode010103, model.ErrMigrationNoRollbackFile,
			fmt.Sprintf("version: %s", m.Version))
	}

	b, err = os.ReadFile(m.RollbackFile)
	if err != nil {
		return nil, e.W(err, ECode010104, fmt.Sprintf("file: %s", m.RollbackFile))
	}

	return b, nil
}

// Checksum computes the SHA-256 hex digest of the migration file's current
// contents. It is recomputed on every call and never cached - the file can
// change between calls, so callers needing a stable value for one logical
// snapshot must hold on to it themselves.
func (m *Migration) Checksum() (sum string, err error) {
	b, err := m.SQL()
	if err != nil {
		return "", e.W(err, ECode010105)
	}

	return fmt.Sprintf("%x", sha256.Sum256(b)), nil
}

// Description scans the first lines of the migration file for a
// "-- Description: <text>" comment. If none is found, it falls back to the
// title-cased name derived from the file name.
func (m *Migration) Description() (desc string) {
	f, err := os.Open(m.MigrationFile)
	if err != nil {
		return m.fallbackDescription()
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 0; i < descriptionMaxLines && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, descriptionPrefix) {
			if d := strings.TrimSpace(strings.TrimPrefix(line, descriptionPrefix)); d != "" {
				return d
			}
		}
	}

	return m.fallbackDescription()
}

// fallbackDescription title-cases the underscore separated name
func (m *Migration) fallbackDescription() (desc string) {
	words := strings.Split(m.Name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}

	return strings.Join(words, " ")
}

// Apply executes the full migration SQL as one statement batch. If the caller
// has a transaction open on the connection, it runs inside it - no
// per-statement splitting is done, the driver's multi-statement support keeps
// a semicolon delimited file atomic.
func (m *Migration) Apply(db *sql.Connection) (err error) {
	b, err := m.SQL()
	if err != nil {
		return e.W(err, ECode010106)
	}

	if _, err := db.Exec(string(b)); err != nil {
		return e.W(err, ECode010106, fmt.Sprintf("version: %s", m.Version))
	}

	return nil
}

// Rollback executes the full rollback SQL as one statement batch inside the
// caller's transaction
func (m *Migration) Rollback(db *sql.Connection) (err error) {
	b, err := m.RollbackSQL()
	if err != nil {
		return e.W(err, ECode010107)
	}

	if _, err := db.Exec(string(b)); err != nil {
		return e.W(err, ECode010107, fmt.Sprintf("version: %s", m.Version))
	}

	return nil
}
