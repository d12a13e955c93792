// Package db is the SQLite audit store: intersection descriptors, accepted
// detections and every emitted signal command.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/intersection.control/internal/monitoring"
)

// ErrNotFound is returned when a lookup names a row that does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every connection the store opens.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// OpenDB opens the database at path and applies pragmas without touching
// the schema. The migrate subcommand uses it.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the dispatcher workers.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrations, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// notFound maps sql.ErrNoRows to ErrNotFound and wraps anything else.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// Totals counts the rows of each audit table.
type Totals struct {
	Intersections int64 `json:"total_intersections"`
	Detections    int64 `json:"total_detections"`
	Commands      int64 `json:"total_commands"`
}

func (db *DB) Totals() (Totals, error) {
	var t Totals
	err := db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM intersections),
		(SELECT COUNT(*) FROM detections),
		(SELECT COUNT(*) FROM signal_commands)`).Scan(&t.Intersections, &t.Detections, &t.Commands)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return t, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logger("db").WithError(err).Error("failed to create tailsql server")
		return
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Signal DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("signal-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Logf("Failed to write backup file: %v", err)
	}
}
