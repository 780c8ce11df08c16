// Package store is the relational persistence layer. One SQLite database
// holds companies, documents, extracted pages and chunks, compiled plans,
// runs, and every per-run output. All reads carry an explicit ORDER BY so
// listing order never depends on storage internals, and every
// tenant-addressable read is tenant-scoped in the WHERE clause.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/regtrace/regtrace/pkg/errkind"
)

// Store wraps the database handle. Safe for concurrent use; SQLite write
// serialization is handled by the driver.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing handle and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for components that manage their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		employees INTEGER NOT NULL,
		turnover REAL NOT NULL,
		listed_status INTEGER NOT NULL,
		reporting_year INTEGER NOT NULL,
		reporting_year_start TEXT NOT NULL,
		reporting_year_end TEXT NOT NULL,
		jurisdictions JSON NOT NULL,
		regimes JSON NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_companies_tenant ON companies(tenant_id, id);

	CREATE TABLE IF NOT EXISTS documents (
		doc_hash TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		parser_version TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS company_documents (
		tenant_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		doc_hash TEXT NOT NULL,
		PRIMARY KEY (tenant_id, company_id, doc_hash)
	);

	CREATE TABLE IF NOT EXISTS pages (
		doc_hash TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		text TEXT NOT NULL,
		char_count INTEGER NOT NULL,
		parser_version TEXT NOT NULL,
		PRIMARY KEY (doc_hash, page_number)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		doc_hash TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_hash, page_number, start_offset);

	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_id TEXT NOT NULL,
		model TEXT NOT NULL,
		vector JSON NOT NULL,
		PRIMARY KEY (chunk_id, model)
	);

	CREATE TABLE IF NOT EXISTS compiled_plans (
		plan_hash TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		plan JSON NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		status TEXT NOT NULL,
		compiler_mode TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		plan_hash TEXT NOT NULL DEFAULT '',
		run_hash TEXT NOT NULL DEFAULT '',
		fail_reason TEXT NOT NULL DEFAULT '',
		fail_detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, company_id, created_at);

	CREATE TABLE IF NOT EXISTS assessments (
		run_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		datapoint_key TEXT NOT NULL,
		status TEXT NOT NULL,
		value TEXT,
		unit TEXT,
		year INTEGER,
		rationale TEXT NOT NULL,
		evidence_chunk_ids JSON NOT NULL,
		prompt_hash TEXT NOT NULL,
		retrieval_params JSON NOT NULL,
		PRIMARY KEY (run_id, datapoint_key)
	);

	CREATE TABLE IF NOT EXISTS diagnostics (
		run_id TEXT NOT NULL,
		datapoint_key TEXT NOT NULL,
		diagnostic JSON NOT NULL,
		PRIMARY KEY (run_id, datapoint_key)
	);

	CREATE TABLE IF NOT EXISTS coverage (
		run_id TEXT NOT NULL,
		obligation_code TEXT NOT NULL,
		entry JSON NOT NULL,
		PRIMARY KEY (run_id, obligation_code)
	);

	CREATE TABLE IF NOT EXISTS run_materiality (
		run_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		is_material INTEGER NOT NULL,
		PRIMARY KEY (run_id, topic)
	);

	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload JSON NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, seq)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func notFound(entity, id string) error {
	return errkind.E(errkind.NotFound, "%s %s not found", entity, id)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
