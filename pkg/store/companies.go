package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/regtrace/regtrace/pkg/contracts"
)

// CreateCompany persists a company profile.
func (s *Store) CreateCompany(ctx context.Context, c contracts.Company) error {
	jurisdictions, _ := json.Marshal(c.Jurisdictions)
	regimes, _ := json.Marshal(c.Regimes)

	query := `INSERT INTO companies (
		id, tenant_id, name, employees, turnover, listed_status,
		reporting_year, reporting_year_start, reporting_year_end,
		jurisdictions, regimes, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.TenantID, c.Name, c.Employees, c.Turnover, boolToInt(c.ListedStatus),
		c.ReportingYear, c.ReportingYearStart, c.ReportingYearEnd,
		string(jurisdictions), string(regimes), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

// GetCompany loads one company. Tenant scoping is part of the lookup key:
// a company belonging to another tenant is indistinguishable from absent.
func (s *Store) GetCompany(ctx context.Context, tenantID, companyID string) (*contracts.Company, error) {
	query := `
		SELECT id, tenant_id, name, employees, turnover, listed_status,
		       reporting_year, reporting_year_start, reporting_year_end,
		       jurisdictions, regimes, created_at
		FROM companies
		WHERE tenant_id = ? AND id = ?
	`
	row := s.db.QueryRowContext(ctx, query, tenantID, companyID)
	c, err := scanCompany(row.Scan)
	if err == sql.ErrNoRows {
		return nil, notFound("company", companyID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCompanies lists a tenant's companies in name order, id as tie-break.
func (s *Store) ListCompanies(ctx context.Context, tenantID string) ([]contracts.Company, error) {
	query := `
		SELECT id, tenant_id, name, employees, turnover, listed_status,
		       reporting_year, reporting_year_start, reporting_year_end,
		       jurisdictions, regimes, created_at
		FROM companies
		WHERE tenant_id = ?
		ORDER BY name ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var companies []contracts.Company
	for rows.Next() {
		c, err := scanCompany(rows.Scan)
		if err != nil {
			return nil, err
		}
		companies = append(companies, *c)
	}
	return companies, rows.Err()
}

func scanCompany(scan func(dest ...any) error) (*contracts.Company, error) {
	var (
		c             contracts.Company
		listed        int
		jurisdictions string
		regimes       string
		createdAt     string
	)
	err := scan(&c.ID, &c.TenantID, &c.Name, &c.Employees, &c.Turnover, &listed,
		&c.ReportingYear, &c.ReportingYearStart, &c.ReportingYearEnd,
		&jurisdictions, &regimes, &createdAt)
	if err != nil {
		return nil, err
	}
	c.ListedStatus = listed != 0
	c.CreatedAt = parseTime(createdAt)
	_ = json.Unmarshal([]byte(jurisdictions), &c.Jurisdictions)
	_ = json.Unmarshal([]byte(regimes), &c.Regimes)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
