package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// createCompanyRequest mirrors the whitelisted company-profile fields. No
// free-form attributes: anything the applicability evaluator cannot see is
// not accepted.
type createCompanyRequest struct {
	Name               string   `json:"name"`
	Employees          int64    `json:"employees"`
	Turnover           float64  `json:"turnover"`
	ListedStatus       bool     `json:"listed_status"`
	ReportingYear      int      `json:"reporting_year"`
	ReportingYearStart string   `json:"reporting_year_start"`
	ReportingYearEnd   string   `json:"reporting_year_end"`
	Jurisdictions      []string `json:"jurisdictions"`
	Regimes            []string `json:"regimes"`
}

func (req createCompanyRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return errkind.E(errkind.Validation, "name is required")
	case req.Employees < 0:
		return errkind.E(errkind.Validation, "employees must be >= 0")
	case req.Turnover < 0:
		return errkind.E(errkind.Validation, "turnover must be >= 0")
	case req.ReportingYear < 2000 || req.ReportingYear > 2100:
		return errkind.E(errkind.Validation, "reporting_year %d out of range", req.ReportingYear)
	}
	return nil
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req createCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "malformed JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	company := contracts.Company{
		ID:                 uuid.New().String(),
		TenantID:           tenant(r),
		Name:               req.Name,
		Employees:          req.Employees,
		Turnover:           req.Turnover,
		ListedStatus:       req.ListedStatus,
		ReportingYear:      req.ReportingYear,
		ReportingYearStart: req.ReportingYearStart,
		ReportingYearEnd:   req.ReportingYearEnd,
		Jurisdictions:      req.Jurisdictions,
		Regimes:            req.Regimes,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.store.CreateCompany(r.Context(), company); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, company)
}

func (s *Server) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	company, err := s.store.GetCompany(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, company)
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := s.store.ListCompanies(r.Context(), tenant(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": companies})
}
