// Command schema-tool is a thin CLI over the migration engine. All connection
// parameters come from the environment (DBHOST, DBPORT, DBUSER, DBPASS,
// DBNAME, SSLMODE, DBSEARCHPATH, DBMIGRATEPATH, DBLOCKTIMEOUT).
//
// Usage:
//
//	schema-tool migrate [-target NNN]
//	schema-tool rollback -target NNN
//	schema-tool status
//	schema-tool verify
//	schema-tool force-unlock
//	schema-tool diagnose
//	schema-tool repair [-force]
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Skyrin/go-schema/diagnostics"
	"github.com/Skyrin/go-schema/migration"
	"github.com/Skyrin/go-schema/schema"
	"github.com/Skyrin/go-schema/sql"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cp := sql.GetConnParamFromENV()
	if cp.MigratePath == "" {
		cp.MigratePath = "db/migrations"
	}

	db, err := sql.NewPostgresConn(cp)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer db.Close()

	cfg := &migration.Config{MigrationsDir: cp.MigratePath}
	if cp.LockTimeout != "" {
		if secs, err := strconv.Atoi(cp.LockTimeout); err == nil {
			cfg.LockTimeout = time.Duration(secs) * time.Second
		}
	}

	mgr, err := schema.NewManager(db, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}

	if err := run(os.Args[1], os.Args[2:], mgr, db, cp.MigratePath, logger); err != nil {
		logger.Fatal().Err(err).Msg(os.Args[1] + " failed")
	}
}

func run(cmd string, args []string, mgr *schema.Manager, db *sql.Connection,
	migratePath string, logger zerolog.Logger) (err error) {
	switch cmd {
	case "migrate":
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		target := fs.String("target", "", "stop after this version")
		_ = fs.Parse(args)

		res, err := mgr.Update(*target)
		if err != nil {
			return err
		}
		if !res.Success {
			return res.Err
		}
		fmt.Println(res.Message)

	case "rollback":
		fs := flag.NewFlagSet("rollback", flag.ExitOnError)
		target := fs.String("target", "", "roll back to this version (0 for all)")
		_ = fs.Parse(args)
		if *target == "" {
			return fmt.Errorf("rollback requires -target")
		}

		res, err := mgr.Rollback(*target)
		if err != nil {
			return err
		}
		if !res.Success {
			return res.Err
		}
		fmt.Println(res.Message)

	case "status":
		st, err := mgr.Status()
		if err != nil {
			return err
		}

		fmt.Printf("current version: %s\n", st.CurrentVersion)
		fmt.Printf("applied: %d, pending: %d, locked: %v\n",
			len(st.Applied), len(st.Pending), st.IsLocked)
		for _, v := range st.Pending {
			fmt.Printf("  pending: %s\n", v)
		}
		if st.IsLocked && st.LockInfo != nil && st.LockInfo.LockedBy.Valid {
			fmt.Printf("  lock held by: %s\n", st.LockInfo.LockedBy.String)
		}

	case "verify":
		vr, err := mgr.Verify()
		if err != nil {
			return err
		}

		for _, w := range vr.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		for _, e := range vr.Errors {
			fmt.Printf("error: %s\n", e)
		}
		if !vr.Valid {
			return fmt.Errorf("verification failed with %d error(s)", len(vr.Errors))
		}
		fmt.Println("all applied migrations verified")

	case "force-unlock":
		if _, err := mgr.ForceUnlock(); err != nil {
			return err
		}
		fmt.Println("lock released")

	case "diagnose":
		diag := diagnostics.New(db, migratePath, logger)
		res, err := diag.Diagnose()
		if err != nil {
			return err
		}

		for _, issue := range res.Issues {
			fmt.Printf("[%s] %s: %s\n", issue.Severity, issue.Type, issue.Description)
		}
		for _, note := range res.Inconsistencies {
			fmt.Printf("note: %s\n", note)
		}
		if res.Success {
			fmt.Println("no issues found")
		}

	case "repair":
		fs := flag.NewFlagSet("repair", flag.ExitOnError)
		force := fs.Bool("force", false, "attempt repairs that are not auto-fixable")
		_ = fs.Parse(args)

		diag := diagnostics.New(db, migratePath, logger)
		res, err := diag.Repair(nil, *force)
		if err != nil {
			return err
		}

		for _, a := range res.ActionsTaken {
			fmt.Println(a)
		}
		fmt.Printf("fixed: %d, remaining: %d\n",
			len(res.IssuesFixed), len(res.IssuesRemaining))

	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}

	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: schema-tool <command> [flags]

commands:
  migrate       apply pending migrations (optional -target NNN)
  rollback      roll back to -target NNN (0 for all)
  status        show applied/pending migrations and lock state
  verify        cross-check recorded checksums against files
  force-unlock  release the migration lock unconditionally
  diagnose      detect database/file inconsistencies
  repair        apply targeted repairs (optional -force)`)
}
