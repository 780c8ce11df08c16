package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/regtrace/regtrace/pkg/contracts"
)

// PutAssessments writes a run's assessments in one transaction. The ordinal
// preserves compiled-plan order so every later read replays it exactly.
func (s *Store) PutAssessments(ctx context.Context, runID string, assessments []contracts.Assessment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO assessments (run_id, ordinal, datapoint_key, status, value, unit, year, rationale, evidence_chunk_ids, prompt_hash, retrieval_params)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i, a := range assessments {
		evidence, _ := json.Marshal(a.EvidenceChunkIDs)
		if a.EvidenceChunkIDs == nil {
			evidence = []byte("[]")
		}
		params, _ := json.Marshal(a.RetrievalParams)
		if _, err := tx.ExecContext(ctx, query,
			runID, i, a.DatapointKey, string(a.Status), a.Value, a.Unit, a.Year,
			a.Rationale, string(evidence), a.PromptHash, string(params)); err != nil {
			return fmt.Errorf("insert assessment %s: %w", a.DatapointKey, err)
		}
	}
	return tx.Commit()
}

// ListAssessments returns a run's assessments in compiled-plan order.
func (s *Store) ListAssessments(ctx context.Context, runID string) ([]contracts.Assessment, error) {
	query := `SELECT run_id, datapoint_key, status, value, unit, year, rationale, evidence_chunk_ids, prompt_hash, retrieval_params
		FROM assessments WHERE run_id = ? ORDER BY ordinal ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var assessments []contracts.Assessment
	for rows.Next() {
		var (
			a        contracts.Assessment
			status   string
			value    sql.NullString
			unit     sql.NullString
			year     sql.NullInt64
			evidence string
			params   string
		)
		if err := rows.Scan(&a.RunID, &a.DatapointKey, &status, &value, &unit, &year,
			&a.Rationale, &evidence, &a.PromptHash, &params); err != nil {
			return nil, err
		}
		a.Status = contracts.AssessmentStatus(status)
		if value.Valid {
			a.Value = &value.String
		}
		if unit.Valid {
			a.Unit = &unit.String
		}
		if year.Valid {
			y := int(year.Int64)
			a.Year = &y
		}
		_ = json.Unmarshal([]byte(evidence), &a.EvidenceChunkIDs)
		_ = json.Unmarshal([]byte(params), &a.RetrievalParams)
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}

// PutDiagnostic persists the extraction diagnostic for one datapoint.
func (s *Store) PutDiagnostic(ctx context.Context, d contracts.ExtractionDiagnostic) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	query := `INSERT INTO diagnostics (run_id, datapoint_key, diagnostic) VALUES (?, ?, ?)
		ON CONFLICT(run_id, datapoint_key) DO UPDATE SET diagnostic = excluded.diagnostic`
	_, err = s.db.ExecContext(ctx, query, d.RunID, d.DatapointKey, string(raw))
	if err != nil {
		return fmt.Errorf("insert diagnostic: %w", err)
	}
	return nil
}

// ListDiagnostics returns a run's diagnostics in datapoint-key order.
func (s *Store) ListDiagnostics(ctx context.Context, runID string) ([]contracts.ExtractionDiagnostic, error) {
	query := `SELECT diagnostic FROM diagnostics WHERE run_id = ? ORDER BY datapoint_key ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var diagnostics []contracts.ExtractionDiagnostic
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d contracts.ExtractionDiagnostic
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode diagnostic: %w", err)
		}
		diagnostics = append(diagnostics, d)
	}
	return diagnostics, rows.Err()
}

// PutCoverage persists a run's obligation coverage roll-up.
func (s *Store) PutCoverage(ctx context.Context, runID string, entries []contracts.ObligationCoverage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO coverage (run_id, obligation_code, entry) VALUES (?, ?, ?)
		ON CONFLICT(run_id, obligation_code) DO UPDATE SET entry = excluded.entry`
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, runID, e.ObligationCode, string(raw)); err != nil {
			return fmt.Errorf("insert coverage %s: %w", e.ObligationCode, err)
		}
	}
	return tx.Commit()
}

// ListCoverage returns a run's coverage entries in obligation-code order.
func (s *Store) ListCoverage(ctx context.Context, runID string) ([]contracts.ObligationCoverage, error) {
	query := `SELECT entry FROM coverage WHERE run_id = ? ORDER BY obligation_code ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.ObligationCoverage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e contracts.ObligationCoverage
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode coverage: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
