package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PutCompiledPlan stores a compiled plan document under its hash. Plans are
// content-addressed and immutable: re-storing the same hash is a no-op.
func (s *Store) PutCompiledPlan(ctx context.Context, planHash, tenantID, companyID string, plan json.RawMessage) error {
	query := `INSERT INTO compiled_plans (plan_hash, tenant_id, company_id, plan, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plan_hash) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, planHash, tenantID, companyID, string(plan), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert compiled plan: %w", err)
	}
	return nil
}

// GetCompiledPlan loads a compiled plan document by hash, tenant-scoped.
func (s *Store) GetCompiledPlan(ctx context.Context, tenantID, planHash string) (json.RawMessage, error) {
	var plan string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan FROM compiled_plans WHERE tenant_id = ? AND plan_hash = ?`,
		tenantID, planHash).Scan(&plan)
	if err == sql.ErrNoRows {
		return nil, notFound("compiled plan", planHash)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(plan), nil
}
