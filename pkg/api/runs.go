package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/regtrace/regtrace/pkg/compiler"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/coverage"
	"github.com/regtrace/regtrace/pkg/errkind"
)

type createRunRequest struct {
	CompanyID string `json:"company_id"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "malformed JSON body")
		return
	}
	if req.CompanyID == "" {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "company_id is required")
		return
	}
	if _, err := s.store.GetCompany(r.Context(), tenant(r), req.CompanyID); err != nil {
		writeError(w, r, err)
		return
	}

	run := contracts.Run{
		RunID:        uuid.New().String(),
		TenantID:     tenant(r),
		CompanyID:    req.CompanyID,
		Status:       contracts.RunQueued,
		CompilerMode: compiler.ModeAuto,
		ProviderID:   s.providerID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"run_id": run.RunID,
		"status": string(run.Status),
	})
}

type setMaterialityRequest struct {
	Entries []contracts.MaterialityEntry `json:"entries"`
}

// handleSetMateriality records which topics the company deems material for
// this run. The snapshot feeds the run fingerprint, so it is only writable
// while the run is still queued.
func (s *Server) handleSetMateriality(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if run.Status != contracts.RunQueued {
		writeError(w, r, errkind.E(errkind.Conflict,
			"run %s is %s, materiality is only writable before execution", run.RunID, run.Status))
		return
	}

	var req setMaterialityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "malformed JSON body")
		return
	}
	seen := make(map[string]bool, len(req.Entries))
	for _, e := range req.Entries {
		if e.Topic == "" {
			writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "entries require a topic")
			return
		}
		if seen[e.Topic] {
			writeProblem(w, r, http.StatusBadRequest, "VALIDATION",
				fmt.Sprintf("topic %q appears more than once", e.Topic))
			return
		}
		seen[e.Topic] = true
	}

	if err := s.store.SetRunMateriality(r.Context(), run.RunID, req.Entries); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  run.RunID,
		"entries": req.Entries,
	})
}

type executeRunRequest struct {
	BundleID      string `json:"bundle_id,omitempty"`
	BundleVersion string `json:"bundle_version,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`
	CompilerMode  string `json:"compiler_mode,omitempty"`
}

func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	var req executeRunRequest
	if r.Body != nil {
		// An empty body means auto mode with the configured provider.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ProviderID != "" && req.ProviderID != s.providerID {
		writeError(w, r, errkind.E(errkind.Validation,
			"provider %q is not configured on this server", req.ProviderID))
		return
	}
	opts := compiler.Options{
		Mode:          req.CompilerMode,
		BundleID:      req.BundleID,
		BundleVersion: req.BundleVersion,
	}
	if opts.BundleID != "" && opts.Mode == "" {
		opts.Mode = compiler.ModePinned
	}

	result, err := s.orchestrator.Execute(r.Context(), tenant(r), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       result.Run.RunID,
		"status":       string(result.Run.Status),
		"run_hash":     result.RunHash,
		"plan_hash":    result.PlanHash,
		"replayed":     result.Replayed,
		"coverage_pct": result.Coverage.CoveragePct,
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"run_id":   run.RunID,
		"status":   string(run.Status),
		"run_hash": run.RunHash,
	}
	if run.FailReason != "" {
		resp["fail_reason"] = run.FailReason
		resp["fail_detail"] = run.FailDetail
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunDiagnostics(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	diagnostics, err := s.store.ListDiagnostics(r.Context(), run.RunID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.store.ListRunEvents(r.Context(), run.RunID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      run.RunID,
		"diagnostics": diagnostics,
		"events":      events,
	})
}

// exportableRun loads a run and enforces export readiness: only completed
// runs are exportable; anything else is a lifecycle conflict.
func (s *Server) exportableRun(r *http.Request) (*contracts.Run, error) {
	run, err := s.store.GetRun(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.RunCompleted {
		return nil, errkind.E(errkind.Conflict,
			"run %s is %s, exports require completed", run.RunID, run.Status)
	}
	return run, nil
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run, err := s.exportableRun(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	assessments, err := s.store.ListAssessments(r.Context(), run.RunID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.store.ListCoverage(r.Context(), run.RunID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	planHash, err := s.store.RunPlanHash(r.Context(), run.RunID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report_template_version": s.reportTemplateVersion(),
		"run":                     run,
		"coverage":                coverage.FromEntries(planHash, s.planTopics(r, planHash), entries),
		"assessments":             assessments,
	})
}

// planTopics recovers the declared topic list from the persisted compiled
// plan so reports keep their empty sections. Decoding trouble degrades to
// entry-derived sections.
func (s *Server) planTopics(r *http.Request, planHash string) []string {
	raw, err := s.store.GetCompiledPlan(r.Context(), tenant(r), planHash)
	if err != nil {
		return nil
	}
	var decoded struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return decoded.Topics
}

func (s *Server) handleEvidencePack(w http.ResponseWriter, r *http.Request) {
	run, err := s.exportableRun(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pack, err := s.buildEvidencePack(r.Context(), run)
	if err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := pack.Bytes()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "evidence-pack-"+run.RunID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleEvidencePackPreview(w http.ResponseWriter, r *http.Request) {
	run, err := s.exportableRun(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pack, err := s.buildEvidencePack(r.Context(), run)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  run.RunID,
		"entries": pack.Preview(),
	})
}

func (s *Server) handleRegulatoryPlan(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), tenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	planHash, err := s.store.RunPlanHash(r.Context(), run.RunID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if planHash == "" {
		writeError(w, r, errkind.E(errkind.Conflict, "run %s has no compiled plan yet", run.RunID))
		return
	}
	plan, err := s.store.GetCompiledPlan(r.Context(), tenant(r), planHash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plan)
}
