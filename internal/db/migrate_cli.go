package db

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
)

// RunMigrateCommand handles the 'migrate' subcommand. in is read for the
// force confirmation prompt; all output goes to out.
func RunMigrateCommand(args []string, dbPath string, in io.Reader, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" {
		PrintMigrateHelp(out)
		if len(args) < 1 {
			return fmt.Errorf("missing migrate action")
		}
		return nil
	}

	migrations, err := getMigrationsFS()
	if err != nil {
		return err
	}
	// Open without migrating: the schema is what this command manages.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return printVersion(database, migrations, out)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
		return printVersion(database, migrations, out)

	case "status":
		return printStatus(database, migrations, out)

	case "version":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated to version %d\n", v)
		return nil

	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Forcing migration version to %d. This should only be used to recover from a dirty state.\nContinue? [y/N]: ", v)
		answer, _ := bufio.NewReader(in).ReadString('\n')
		if a := strings.TrimSpace(answer); a != "y" && a != "Y" {
			fmt.Fprintln(out, "Aborted")
			return nil
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migration version forced to %d\n", v)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("usage: signal migrate %s <version_number>", args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version number: %s", args[1])
	}
	return v, nil
}

func printVersion(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func printStatus(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", version)
	fmt.Fprintf(out, "Latest version: %d\n", latest)
	fmt.Fprintf(out, "Dirty: %v\n", dirty)
	switch {
	case dirty:
		fmt.Fprintln(out, "WARNING: a migration failed mid-execution; inspect the database, then run: signal migrate force <version>")
	case version < latest:
		fmt.Fprintf(out, "%d migration(s) pending\n", latest-version)
	}
	return nil
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: signal migrate <action> [args]

Actions:
  up                 Apply all pending migrations
  down               Roll back the most recent migration
  status             Show the current and latest schema version
  version <N>        Migrate up or down to version N
  force <N>          Set the version without running migrations (recovery)
  help               Show this help
`)
}
