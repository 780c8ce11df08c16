package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// CreateRun persists a new run in queued state.
func (s *Store) CreateRun(ctx context.Context, r contracts.Run) error {
	query := `INSERT INTO runs (run_id, tenant_id, company_id, status, compiler_mode, provider_id, run_hash, fail_reason, fail_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.RunID, r.TenantID, r.CompanyID, string(r.Status), r.CompilerMode, r.ProviderID,
		r.RunHash, r.FailReason, r.FailDetail, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run, tenant-scoped.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*contracts.Run, error) {
	query := `SELECT run_id, tenant_id, company_id, status, compiler_mode, provider_id, run_hash, fail_reason, fail_detail, created_at
		FROM runs WHERE tenant_id = ? AND run_id = ?`
	var (
		r         contracts.Run
		status    string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, tenantID, runID).Scan(
		&r.RunID, &r.TenantID, &r.CompanyID, &status, &r.CompilerMode, &r.ProviderID,
		&r.RunHash, &r.FailReason, &r.FailDetail, &createdAt)
	if err == sql.ErrNoRows {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	r.Status = contracts.RunStatus(status)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// ListRuns lists a company's runs, newest first, run_id as tie-break.
func (s *Store) ListRuns(ctx context.Context, tenantID, companyID string) ([]contracts.Run, error) {
	query := `SELECT run_id, tenant_id, company_id, status, compiler_mode, provider_id, run_hash, fail_reason, fail_detail, created_at
		FROM runs WHERE tenant_id = ? AND company_id = ?
		ORDER BY created_at DESC, run_id ASC`
	rows, err := s.db.QueryContext(ctx, query, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []contracts.Run
	for rows.Next() {
		var (
			r         contracts.Run
			status    string
			createdAt string
		)
		if err := rows.Scan(&r.RunID, &r.TenantID, &r.CompanyID, &status, &r.CompilerMode, &r.ProviderID,
			&r.RunHash, &r.FailReason, &r.FailDetail, &createdAt); err != nil {
			return nil, err
		}
		r.Status = contracts.RunStatus(status)
		r.CreatedAt = parseTime(createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions a run. Terminal states are write-once: a
// transition out of a terminal state is a CONFLICT, never a silent rewrite.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status contracts.RunStatus, failReason, failDetail string) error {
	query := `UPDATE runs SET status = ?, fail_reason = ?, fail_detail = ?
		WHERE run_id = ? AND status NOT IN ('completed', 'failed', 'integrity_warning')`
	res, err := s.db.ExecContext(ctx, query, string(status), failReason, failDetail, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errkind.E(errkind.Conflict, "run %s is terminal or missing", runID)
	}
	return nil
}

// SetRunFingerprints records the plan and run hashes once computed.
func (s *Store) SetRunFingerprints(ctx context.Context, runID, planHash, runHash string) error {
	query := `UPDATE runs SET plan_hash = ?, run_hash = ? WHERE run_id = ?`
	_, err := s.db.ExecContext(ctx, query, planHash, runHash, runID)
	if err != nil {
		return fmt.Errorf("set run fingerprints: %w", err)
	}
	return nil
}

// RunPlanHash returns the plan hash recorded for a run.
func (s *Store) RunPlanHash(ctx context.Context, runID string) (string, error) {
	var planHash string
	err := s.db.QueryRowContext(ctx, `SELECT plan_hash FROM runs WHERE run_id = ?`, runID).Scan(&planHash)
	if err == sql.ErrNoRows {
		return "", notFound("run", runID)
	}
	return planHash, err
}

// SetRunMateriality replaces a run's materiality entries wholesale. The
// snapshot participates in the run hash, so it is only writable before the
// run starts; the caller enforces that lifecycle gate.
func (s *Store) SetRunMateriality(ctx context.Context, runID string, entries []contracts.MaterialityEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_materiality WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear run materiality: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_materiality (run_id, topic, is_material) VALUES (?, ?, ?)`,
			runID, e.Topic, e.IsMaterial); err != nil {
			return fmt.Errorf("insert run materiality: %w", err)
		}
	}
	return tx.Commit()
}

// GetRunMateriality returns a run's materiality entries in topic order. A
// run without entries returns an empty slice: every topic is material.
func (s *Store) GetRunMateriality(ctx context.Context, runID string) ([]contracts.MaterialityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT topic, is_material FROM run_materiality WHERE run_id = ? ORDER BY topic ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.MaterialityEntry
	for rows.Next() {
		var e contracts.MaterialityEntry
		if err := rows.Scan(&e.Topic, &e.IsMaterial); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendRunEvent appends one event to the per-run serialized log. Sequence
// numbers are assigned inside the transaction, so the log has no gaps and
// no duplicates even under concurrent writers.
func (s *Store) AppendRunEvent(ctx context.Context, runID, eventType string, payload map[string]any) error {
	raw, _ := json.Marshal(payload)
	if payload == nil {
		raw = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, next, eventType, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return tx.Commit()
}

// ListRunEvents returns a run's event log in sequence order.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]contracts.RunEvent, error) {
	query := `SELECT run_id, seq, event_type, payload, created_at
		FROM run_events WHERE run_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.RunEvent
	for rows.Next() {
		var (
			e         contracts.RunEvent
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &e.EventType, &payload, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
