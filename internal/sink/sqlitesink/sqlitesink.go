// Package sqlitesink is a sink.Backend backed by a local WAL-mode SQLite
// database, for single-node deployments such as the `auto` role, which
// runs the coordinator and one embedded worker in a single process.
// Open and the WAL pragma/busy-timeout DSN are lifted
// directly from eargollo-ditto's internal/db/db.go Open; the schema
// shape (one row per file record, a parent scans table) follows
// internal/db/migrate.go.
package sqlitesink

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clustermeta/psscan/internal/handler"
	"github.com/clustermeta/psscan/internal/sink"
)

const busyTimeoutMS = 30000

// Sink is a sink.Backend storing records in SQLite.
type Sink struct {
	db     *sql.DB
	scanID int64
}

// Open opens (creating if absent) a SQLite database at path, enables
// WAL mode, and ensures the schema exists, matching ditto's Open +
// Migrate pairing. rootPath labels the scans row for this run.
func Open(path, rootPath string) (*Sink, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=" + strconv.Itoa(busyTimeoutMS)
	} else {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_busy_timeout=" + strconv.Itoa(busyTimeoutMS)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	scanID, err := insertScanRow(db, rootPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db, scanID: scanID}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			root_path TEXT NOT NULL,
			started_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_id INTEGER NOT NULL REFERENCES scans(id),
			path TEXT NOT NULL,
			attrs TEXT NOT NULL,
			inserted_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_records_scan_id ON file_records(scan_id)`,
		`CREATE TABLE IF NOT EXISTS dir_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_id INTEGER NOT NULL REFERENCES scans(id),
			path TEXT NOT NULL,
			attrs TEXT NOT NULL,
			inserted_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dir_records_scan_id ON dir_records(scan_id)`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func insertScanRow(db *sql.DB, rootPath string) (int64, error) {
	res, err := db.Exec(`INSERT INTO scans (root_path, started_at) VALUES (?, ?)`, rootPath, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Send implements sink.Backend. A driver error (lock contention under
// WAL, a busy timeout expiring) is wrapped as transient so the
// forwarder retries it; any other error (bad JSON, schema mismatch) is
// terminal.
func (s *Sink) Send(ctx context.Context, records []handler.Record) error {
	return s.insertBatch(ctx, "file_records", records)
}

func (s *Sink) SendDir(ctx context.Context, records []handler.Record) error {
	return s.insertBatch(ctx, "dir_records", records)
}

func (s *Sink) insertBatch(ctx context.Context, table string, records []handler.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapTransient(err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+table+` (scan_id, path, attrs, inserted_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return wrapTransient(err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range records {
		path, _ := rec["path"].(string)
		attrs, err := json.Marshal(rec)
		if err != nil {
			_ = tx.Rollback()
			return err // malformed record: terminal, not transient
		}
		if _, err := stmt.ExecContext(ctx, s.scanID, path, string(attrs), now); err != nil {
			_ = tx.Rollback()
			return wrapTransient(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapTransient(err)
	}
	return nil
}

// wrapTransient marks busy/locked errors as retryable. SQLITE_BUSY
// surfaces through modernc.org/sqlite as an error whose message
// contains "busy" or "locked"; other errors (constraint violations,
// closed db) are terminal.
func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") {
		return &sink.TransientError{Err: err}
	}
	return err
}

func (s *Sink) Close() error {
	return s.db.Close()
}
