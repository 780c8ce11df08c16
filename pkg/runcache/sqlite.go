package runcache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLite persists cache entries alongside the main database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open handle and creates the cache table.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate run cache: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS run_cache_entries (
		run_hash TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		manifest JSON NOT NULL,
		assessments JSON NOT NULL,
		coverage JSON NOT NULL,
		created_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLite) Get(ctx context.Context, runHash string) (*Entry, bool, error) {
	query := `SELECT run_hash, run_id, manifest, assessments, coverage, created_at
		FROM run_cache_entries WHERE run_hash = ?`
	var (
		entry       Entry
		manifest    string
		assessments string
		coverage    string
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx, query, runHash).Scan(
		&entry.RunHash, &entry.RunID, &manifest, &assessments, &coverage, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry.Manifest = []byte(manifest)
	entry.Assessments = []byte(assessments)
	entry.Coverage = []byte(coverage)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}
	return &entry, true, nil
}

func (s *SQLite) Put(ctx context.Context, entry Entry) error {
	query := `INSERT INTO run_cache_entries (run_hash, run_id, manifest, assessments, coverage, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_hash) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		entry.RunHash, entry.RunID,
		string(entry.Manifest), string(entry.Assessments), string(entry.Coverage),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}
