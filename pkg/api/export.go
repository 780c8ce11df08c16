package api

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/regtrace/regtrace/pkg/canonicalize"
	"github.com/regtrace/regtrace/pkg/compiler"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/coverage"
	"github.com/regtrace/regtrace/pkg/errkind"
	"github.com/regtrace/regtrace/pkg/evidencepack"
	"github.com/regtrace/regtrace/pkg/orchestrator"
	"github.com/regtrace/regtrace/pkg/provider"
)

func (s *Server) reportTemplateVersion() string {
	return orchestrator.ReportTemplateVersion
}

// buildEvidencePack reassembles the archive for a completed run from
// persisted state only. The result is byte-identical to the pack the run
// produced: every input is either content-addressed or stored in plan
// order.
func (s *Server) buildEvidencePack(ctx context.Context, run *contracts.Run) (*evidencepack.Pack, error) {
	planHash, err := s.store.RunPlanHash(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	if planHash == "" {
		return nil, errkind.E(errkind.Integrity, "completed run %s has no plan hash", run.RunID)
	}
	planJSON, err := s.store.GetCompiledPlan(ctx, run.TenantID, planHash)
	if err != nil {
		return nil, err
	}
	var plan compiler.Plan
	if err := json.Unmarshal(planJSON, &plan); err != nil {
		return nil, errkind.Wrap(errkind.Integrity, err, "decode compiled plan %s", planHash)
	}

	assessments, err := s.store.ListAssessments(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListCoverage(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	coverageJSON, err := canonicalize.JCS(coverage.FromEntries(planHash, plan.Topics, entries))
	if err != nil {
		return nil, errkind.Wrap(errkind.Integrity, err, "encode coverage matrix")
	}

	evidence, err := s.citedChunks(ctx, assessments)
	if err != nil {
		return nil, err
	}

	documents, err := s.store.ListCompanyDocuments(ctx, run.TenantID, run.CompanyID)
	if err != nil {
		return nil, err
	}
	docHashes := make([]string, 0, len(documents))
	docBytes := make(map[string][]byte, len(documents))
	for _, doc := range documents {
		docHashes = append(docHashes, doc.DocHash)
		raw, err := s.blobs.Get(ctx, doc.DocHash)
		if err != nil {
			return nil, errkind.Wrap(errkind.Integrity, err, "load document %s", doc.DocHash)
		}
		docBytes[doc.DocHash] = raw
	}
	sort.Strings(docHashes)

	var params contracts.RetrievalParams
	if len(assessments) > 0 {
		params = assessments[0].RetrievalParams
	}

	materialityEntries, err := s.store.GetRunMateriality(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	materiality := make(map[string]bool, len(materialityEntries))
	for _, e := range materialityEntries {
		materiality[e.Topic] = e.IsMaterial
	}

	manifest := evidencepack.Manifest{
		RunHash:               run.RunHash,
		PlanHash:              planHash,
		DocumentHashes:        docHashes,
		CompanyID:             run.CompanyID,
		MaterialitySnapshot:   materiality,
		BundleRefs:            plan.SelectedBundles,
		CompilerMode:          plan.CompilerMode,
		ChunkParams:           s.chunkParams,
		RetrievalParams:       params,
		EmbeddingModel:        s.embedModel,
		ProviderIdentity:      run.ProviderID,
		PromptTemplateVersion: provider.PromptTemplateVersion,
		ReportTemplateVersion: orchestrator.ReportTemplateVersion,
		CodeVersion:           s.codeVersion,
		GitSHA:                s.gitSHA,
	}

	return evidencepack.Build(evidencepack.Input{
		Manifest:     manifest,
		CompiledPlan: planJSON,
		Assessments:  assessments,
		Evidence:     evidence,
		Coverage:     coverageJSON,
		Documents:    docBytes,
	})
}

// citedChunks resolves the union of evidence citations across all
// assessments. A completed run's citations are verified, so a missing
// chunk here is corruption, not user error.
func (s *Server) citedChunks(ctx context.Context, assessments []contracts.Assessment) ([]contracts.Chunk, error) {
	seen := make(map[string]bool)
	var chunks []contracts.Chunk
	for _, a := range assessments {
		for _, chunkID := range a.EvidenceChunkIDs {
			if seen[chunkID] {
				continue
			}
			seen[chunkID] = true
			chunk, err := s.store.GetChunk(ctx, chunkID)
			if err != nil {
				return nil, errkind.Wrap(errkind.Integrity, err, "resolve cited chunk %s", chunkID)
			}
			chunks = append(chunks, *chunk)
		}
	}
	return chunks, nil
}
