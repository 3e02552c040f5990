// Package pgsink is a production-profile sink.Backend backed by
// PostgreSQL. eargollo-ditto only ever used jackc/pgx/v5 indirectly, as
// a database/sql driver (internal/db/pg.go's `_
// "github.com/jackc/pgx/v5/stdlib"`); this backend promotes it to the
// native pgx pool API (pgxpool.Pool) and uses CopyFrom for batch
// inserts, which is the idiomatic pgx way to load many rows in one
// round trip instead of looping database/sql Exec calls.
package pgsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clustermeta/psscan/internal/handler"
	"github.com/clustermeta/psscan/internal/sink"
)

// Sink is a sink.Backend storing records in PostgreSQL via a pgx pool.
type Sink struct {
	pool   *pgxpool.Pool
	scanID int64
}

// Open connects to url (e.g. DATABASE_URL), ensures the schema exists,
// and inserts a row recording this scan's root path, matching ditto's
// OpenPostgres/MigratePostgres pairing in internal/db/pg.go.
func Open(ctx context.Context, url, rootPath string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	var scanID int64
	err = pool.QueryRow(ctx,
		`INSERT INTO scans (root_path, started_at) VALUES ($1, $2) RETURNING id`,
		rootPath, time.Now().UTC(),
	).Scan(&scanID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Sink{pool: pool, scanID: scanID}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id BIGSERIAL PRIMARY KEY,
			root_path TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_records (
			id BIGSERIAL PRIMARY KEY,
			scan_id BIGINT NOT NULL REFERENCES scans(id),
			path TEXT NOT NULL,
			attrs JSONB NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_records_scan_id ON file_records(scan_id)`,
		`CREATE TABLE IF NOT EXISTS dir_records (
			id BIGSERIAL PRIMARY KEY,
			scan_id BIGINT NOT NULL REFERENCES scans(id),
			path TEXT NOT NULL,
			attrs JSONB NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dir_records_scan_id ON dir_records(scan_id)`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, records []handler.Record) error {
	return s.copyIn(ctx, "file_records", records)
}

func (s *Sink) SendDir(ctx context.Context, records []handler.Record) error {
	return s.copyIn(ctx, "dir_records", records)
}

func (s *Sink) copyIn(ctx context.Context, table string, records []handler.Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		path, _ := rec["path"].(string)
		attrs, err := json.Marshal(rec)
		if err != nil {
			return err // malformed record: terminal
		}
		rows = append(rows, []any{s.scanID, path, attrs, now})
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{table},
		[]string{"scan_id", "path", "attrs", "inserted_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return &sink.TransientError{Err: err}
	}
	return nil
}

func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}
