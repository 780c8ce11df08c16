// Package orchestrator drives one assessment run end to end: compile the
// plan, preflight the corpus, check the run cache, fan extraction out per
// datapoint, verify, roll coverage up, and persist everything under the run
// fingerprints. The pipeline is deterministic: identical inputs produce an
// identical run hash and identical outputs, and a cache hit replays the
// stored outputs with zero provider calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/regtrace/regtrace/pkg/audit"
	"github.com/regtrace/regtrace/pkg/canonicalize"
	"github.com/regtrace/regtrace/pkg/chunk"
	"github.com/regtrace/regtrace/pkg/compiler"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/coverage"
	"github.com/regtrace/regtrace/pkg/errkind"
	"github.com/regtrace/regtrace/pkg/evidencepack"
	"github.com/regtrace/regtrace/pkg/provider"
	"github.com/regtrace/regtrace/pkg/retrieval"
	"github.com/regtrace/regtrace/pkg/runcache"
	"github.com/regtrace/regtrace/pkg/store"
	"github.com/regtrace/regtrace/pkg/verify"
)

// ReportTemplateVersion participates in the run manifest.
const ReportTemplateVersion = "report-v1"

// FailureRateThreshold is the fraction of failed extraction calls above
// which a run finishes as integrity_warning instead of completed.
const FailureRateThreshold = 0.5

const (
	defaultConcurrency      = 4
	defaultDatapointTimeout = 60 * time.Second
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Store     *store.Store
	Cache     runcache.Backend
	Compiler  *compiler.Compiler
	Retrieval *retrieval.Engine
	Provider  provider.Provider
	Recorder  *audit.Recorder
	Logger    *slog.Logger

	// EmbeddingModel selects which stored vectors feed the vector score.
	// Empty disables the vector component.
	EmbeddingModel string

	// ChunkParams is the geometry the corpus was chunked with. It is a run
	// fingerprint input: a different geometry is a different corpus.
	ChunkParams chunk.Params

	Concurrency      int
	DatapointTimeout time.Duration

	CodeVersion string
	GitSHA      string
}

// Orchestrator executes assessment runs.
type Orchestrator struct {
	store       *store.Store
	cache       runcache.Backend
	compiler    *compiler.Compiler
	retrieval   *retrieval.Engine
	provider    provider.Provider
	recorder    *audit.Recorder
	logger      *slog.Logger
	embedModel  string
	chunkParams chunk.Params
	concurrency int
	timeout     time.Duration
	codeVersion string
	gitSHA      string
}

// New validates the wiring and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errkind.E(errkind.Validation, "orchestrator requires a store")
	case cfg.Cache == nil:
		return nil, errkind.E(errkind.Validation, "orchestrator requires a run cache backend")
	case cfg.Compiler == nil:
		return nil, errkind.E(errkind.Validation, "orchestrator requires a plan compiler")
	case cfg.Retrieval == nil:
		return nil, errkind.E(errkind.Validation, "orchestrator requires a retrieval engine")
	case cfg.Provider == nil:
		return nil, errkind.E(errkind.Validation, "orchestrator requires an extraction provider")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NewRecorder(cfg.Store, logger)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.DatapointTimeout
	if timeout <= 0 {
		timeout = defaultDatapointTimeout
	}
	chunkParams := cfg.ChunkParams
	if chunkParams.Size == 0 {
		chunkParams = chunk.DefaultParams()
	}
	return &Orchestrator{
		store:       cfg.Store,
		cache:       cfg.Cache,
		compiler:    cfg.Compiler,
		retrieval:   cfg.Retrieval,
		provider:    cfg.Provider,
		recorder:    recorder,
		logger:      logger,
		embedModel:  cfg.EmbeddingModel,
		chunkParams: chunkParams,
		concurrency: concurrency,
		timeout:     timeout,
		codeVersion: cfg.CodeVersion,
		gitSHA:      cfg.GitSHA,
	}, nil
}

// Result is the outcome of one run execution.
type Result struct {
	Run         contracts.Run
	PlanHash    string
	RunHash     string
	Assessments []contracts.Assessment
	Coverage    *coverage.Matrix
	Manifest    evidencepack.Manifest
	// Replayed is true when outputs were served from the run cache or from
	// a prior completion of the same run, with zero provider calls.
	Replayed bool
}

// Execute runs one assessment. Re-executing a completed run replays its
// stored outputs; re-executing a failed run is a conflict.
func (o *Orchestrator) Execute(ctx context.Context, tenantID, runID string, opts compiler.Options) (*Result, error) {
	run, err := o.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		if run.Status == contracts.RunFailed {
			return nil, errkind.E(errkind.Conflict, "run %s already failed: %s", runID, run.FailReason)
		}
		return o.replayTerminal(ctx, tenantID, *run)
	}

	company, err := o.store.GetCompany(ctx, tenantID, run.CompanyID)
	if err != nil {
		return nil, err
	}

	if err := o.store.UpdateRunStatus(ctx, runID, contracts.RunRunning, "", ""); err != nil {
		return nil, err
	}
	_ = o.recorder.Event(ctx, runID, audit.EventRunStarted, map[string]any{
		"company_id": company.ID, "compiler_mode": run.CompilerMode,
	})

	if opts.Mode == "" {
		opts.Mode = run.CompilerMode
	}
	materiality, err := o.loadMateriality(ctx, runID)
	if err != nil {
		return nil, o.failRun(ctx, runID, errkind.KindOf(err), err.Error(), err)
	}
	opts.Materiality = materiality
	plan, err := o.compiler.Compile(*company, opts)
	if err != nil {
		return nil, o.failRun(ctx, runID, errkind.KindOf(err), err.Error(), err)
	}
	_ = o.recorder.Event(ctx, runID, audit.EventPlanCompiled, map[string]any{
		"plan_hash": plan.PlanHash, "obligations": len(plan.Obligations), "datapoints": len(plan.Datapoints),
	})

	docs, err := o.store.ListCompanyDocuments(ctx, tenantID, company.ID)
	if err != nil {
		return nil, o.failRun(ctx, runID, errkind.KindOf(err), err.Error(), err)
	}
	corpus, err := o.store.ListCompanyChunks(ctx, tenantID, company.ID)
	if err != nil {
		return nil, o.failRun(ctx, runID, errkind.KindOf(err), err.Error(), err)
	}
	if len(corpus) == 0 {
		detail := fmt.Sprintf("company %s has no ingested chunks", company.ID)
		return nil, o.failRun(ctx, runID, errkind.EmptyCorpus, detail, nil)
	}

	docHashes := make([]string, 0, len(docs))
	for _, d := range docs {
		docHashes = append(docHashes, d.DocHash)
	}
	sort.Strings(docHashes)

	params := o.retrieval.Params().Contract()
	runHash, err := runcache.Hash(runcache.Inputs{
		DocumentHashes:        docHashes,
		CompanyProfile:        *company,
		MaterialitySnapshot:   materiality,
		BundleRefs:            plan.SelectedBundles,
		CompilerMode:          plan.CompilerMode,
		ChunkParams:           o.chunkParams,
		RetrievalParams:       params,
		EmbeddingModel:        o.embedModel,
		ProviderIdentity:      o.provider.ID(),
		PromptTemplateVersion: provider.PromptTemplateVersion,
		CodeVersion:           o.codeVersion,
	})
	if err != nil {
		return nil, o.failRun(ctx, runID, errkind.Integrity, err.Error(), err)
	}

	if result, ok := o.tryCacheHit(ctx, *run, plan, runHash); ok {
		return result, nil
	}

	assessments, diagnostics, failedCalls, err := o.assessAll(ctx, *run, plan, corpus, params)
	if err != nil {
		kind := errkind.KindOf(err)
		if kind == errkind.Cancelled {
			return nil, o.failRun(ctx, runID, errkind.Cancelled, "run cancelled before completion", err)
		}
		return nil, o.failRun(ctx, runID, kind, err.Error(), err)
	}

	matrix, err := coverage.Compute(plan, assessments)
	if err != nil {
		return nil, o.failRun(ctx, runID, errkind.KindOf(err), err.Error(), err)
	}

	manifest := evidencepack.Manifest{
		RunHash:               runHash,
		PlanHash:              plan.PlanHash,
		DocumentHashes:        docHashes,
		CompanyID:             run.CompanyID,
		MaterialitySnapshot:   materiality,
		BundleRefs:            plan.SelectedBundles,
		CompilerMode:          plan.CompilerMode,
		ChunkParams:           o.chunkParams,
		RetrievalParams:       params,
		EmbeddingModel:        o.embedModel,
		ProviderIdentity:      o.provider.ID(),
		PromptTemplateVersion: provider.PromptTemplateVersion,
		ReportTemplateVersion: ReportTemplateVersion,
		CodeVersion:           o.codeVersion,
		GitSHA:                o.gitSHA,
	}

	if err := o.persist(ctx, tenantID, *run, plan, runHash, assessments, diagnostics, matrix); err != nil {
		return nil, o.failRun(ctx, runID, errkind.KindOf(err), err.Error(), err)
	}

	status := contracts.RunCompleted
	failReason, failDetail := "", ""
	rate := float64(failedCalls) / float64(len(plan.Datapoints))
	if rate > FailureRateThreshold {
		status = contracts.RunIntegrityWarning
		failReason = string(contracts.ReasonProviderFailure)
		failDetail = fmt.Sprintf("%d of %d extraction calls failed", failedCalls, len(plan.Datapoints))
		_ = o.recorder.Event(ctx, runID, audit.EventIncident, map[string]any{
			"reason": failReason, "detail": failDetail,
		})
	}
	if err := o.store.UpdateRunStatus(ctx, runID, status, failReason, failDetail); err != nil {
		return nil, err
	}

	if status == contracts.RunCompleted {
		o.storeCacheEntry(ctx, runHash, runID, manifest, assessments, matrix)
	}
	_ = o.recorder.Event(ctx, runID, audit.EventRunCompleted, map[string]any{
		"status": string(status), "run_hash": runHash, "coverage_pct": matrix.CoveragePct,
	})

	run.Status = status
	run.RunHash = runHash
	run.FailReason = failReason
	run.FailDetail = failDetail
	return &Result{
		Run:         *run,
		PlanHash:    plan.PlanHash,
		RunHash:     runHash,
		Assessments: assessments,
		Coverage:    matrix,
		Manifest:    manifest,
	}, nil
}

// tryCacheHit serves a run from the cache when the run hash is known. Cache
// backend failures degrade to a miss; the cache is an accelerator, never a
// dependency.
func (o *Orchestrator) tryCacheHit(ctx context.Context, run contracts.Run, plan *compiler.Plan, runHash string) (*Result, bool) {
	entry, hit, err := o.cache.Get(ctx, runHash)
	if err != nil {
		o.logger.WarnContext(ctx, "run cache lookup failed, continuing without it",
			slog.String("run_id", run.RunID), slog.String("error", err.Error()))
		return nil, false
	}
	if !hit {
		return nil, false
	}

	var assessments []contracts.Assessment
	if err := json.Unmarshal(entry.Assessments, &assessments); err != nil {
		o.logger.WarnContext(ctx, "run cache entry undecodable, continuing without it",
			slog.String("run_hash", runHash), slog.String("error", err.Error()))
		return nil, false
	}
	var matrix coverage.Matrix
	if err := json.Unmarshal(entry.Coverage, &matrix); err != nil {
		return nil, false
	}
	var manifest evidencepack.Manifest
	if err := json.Unmarshal(entry.Manifest, &manifest); err != nil {
		return nil, false
	}

	for i := range assessments {
		assessments[i].RunID = run.RunID
	}
	if err := o.persist(ctx, run.TenantID, run, plan, runHash, assessments, nil, &matrix); err != nil {
		o.logger.WarnContext(ctx, "cache replay persistence failed, recomputing",
			slog.String("run_id", run.RunID), slog.String("error", err.Error()))
		return nil, false
	}
	if err := o.store.UpdateRunStatus(ctx, run.RunID, contracts.RunCompleted, "", ""); err != nil {
		return nil, false
	}
	_ = o.recorder.Event(ctx, run.RunID, audit.EventCacheHit, map[string]any{
		"run_hash": runHash, "source_run_id": entry.RunID,
	})

	run.Status = contracts.RunCompleted
	run.RunHash = runHash
	return &Result{
		Run:         run,
		PlanHash:    plan.PlanHash,
		RunHash:     runHash,
		Assessments: assessments,
		Coverage:    &matrix,
		Manifest:    manifest,
		Replayed:    true,
	}, true
}

// assessAll fans the per-datapoint pipeline out over a bounded worker pool
// and merges results back in compiled-plan order.
func (o *Orchestrator) assessAll(ctx context.Context, run contracts.Run, plan *compiler.Plan, corpus []contracts.Chunk, params contracts.RetrievalParams) ([]contracts.Assessment, []contracts.ExtractionDiagnostic, int, error) {
	byID := make(map[string]contracts.Chunk, len(corpus))
	for _, c := range corpus {
		byID[c.ChunkID] = c
	}
	vectors := map[string][]float64{}
	if o.embedModel != "" {
		loaded, err := o.store.GetEmbeddings(ctx, run.TenantID, run.CompanyID, o.embedModel)
		if err != nil {
			return nil, nil, 0, err
		}
		vectors = loaded
	}

	results := make([]datapointResult, len(plan.Datapoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := range plan.Datapoints {
		i := i
		g.Go(func() error {
			res, err := o.assessDatapoint(gctx, run, plan.Datapoints[i], corpus, byID, vectors, params)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, err
	}

	assessments := make([]contracts.Assessment, len(results))
	diagnostics := make([]contracts.ExtractionDiagnostic, len(results))
	failed := 0
	for i, res := range results {
		assessments[i] = res.assessment
		diagnostics[i] = res.diagnostic
		if res.providerFailed {
			failed++
			_ = o.recorder.Event(ctx, run.RunID, audit.EventDatapointFailed, map[string]any{
				"datapoint_key": res.assessment.DatapointKey, "detail": res.failDetail,
			})
			continue
		}
		_ = o.recorder.Event(ctx, run.RunID, audit.EventDatapointScored, map[string]any{
			"datapoint_key": res.assessment.DatapointKey, "status": string(res.assessment.Status),
		})
	}
	return assessments, diagnostics, failed, nil
}

type datapointResult struct {
	assessment     contracts.Assessment
	diagnostic     contracts.ExtractionDiagnostic
	providerFailed bool
	failDetail     string
}

// assessDatapoint runs retrieve -> prompt -> extract -> gate -> verify for
// one datapoint. Provider faults become an Absent verdict with a recorded
// PROVIDER_FAILURE reason; only cancellation of the whole run propagates.
func (o *Orchestrator) assessDatapoint(ctx context.Context, run contracts.Run, dp compiler.PlanDatapoint, corpus []contracts.Chunk, byID map[string]contracts.Chunk, vectors map[string][]float64, params contracts.RetrievalParams) (datapointResult, error) {
	query := provider.Query(dp.Datapoint)
	candidates, err := o.retrieval.Rank(ctx, query, corpus, vectors)
	if err != nil {
		return datapointResult{}, err
	}

	retrievedIDs := make([]string, 0, len(candidates))
	window := make([]provider.PromptChunk, 0, len(candidates))
	var windowTexts []string
	for _, cand := range candidates {
		retrievedIDs = append(retrievedIDs, cand.ChunkID)
		chunk := byID[cand.ChunkID]
		window = append(window, provider.PromptChunk{ChunkID: chunk.ChunkID, Text: chunk.Text})
		windowTexts = append(windowTexts, chunk.Text)
	}

	prompt := provider.BuildPrompt(dp.Datapoint, query, window)
	promptHash, err := prompt.Hash()
	if err != nil {
		return datapointResult{}, err
	}

	var reasons []contracts.FailureReason
	res := datapointResult{}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	extraction, err := o.provider.Extract(callCtx, prompt)
	cancel()
	if err != nil {
		kind := errkind.KindOf(err)
		if kind == errkind.Cancelled || ctx.Err() != nil {
			return datapointResult{}, err
		}
		res.providerFailed = true
		res.failDetail = err.Error()
		reasons = append(reasons, contracts.ReasonProviderFailure)
		if kind == errkind.ProviderSchema {
			reasons = append(reasons, contracts.ReasonSchemaViolation)
		}
		extraction = contracts.Extraction{
			Status:           contracts.StatusAbsent,
			EvidenceChunkIDs: []string{},
			Rationale:        "Extraction provider failed; datapoint assessed as Absent.",
		}
	}

	gated, gateReason := provider.GateEvidence(extraction)
	if gateReason != "" {
		reasons = append(reasons, gateReason)
	}
	verdict := verify.Verify(gated, dp.Datapoint, func(chunkID string) (contracts.Chunk, bool) {
		c, ok := byID[chunkID]
		return c, ok
	})
	reasons = append(reasons, verdict.Reasons...)

	numericMatches := 0
	if dp.DatapointType == contracts.DatapointMetric && extraction.Value != nil {
		numericMatches = verify.CountNumericMatches(*extraction.Value, windowTexts)
	}

	res.assessment = contracts.Assessment{
		RunID:            run.RunID,
		DatapointKey:     dp.DatapointKey,
		Status:           verdict.Status,
		Value:            extraction.Value,
		Unit:             extraction.Unit,
		Year:             extraction.Year,
		Rationale:        verdict.Rationale,
		EvidenceChunkIDs: extraction.EvidenceChunkIDs,
		PromptHash:       promptHash,
		RetrievalParams:  params,
	}
	res.diagnostic = contracts.ExtractionDiagnostic{
		RunID:               run.RunID,
		DatapointKey:        dp.DatapointKey,
		Query:               query,
		RetrievedChunkIDs:   retrievedIDs,
		Candidates:          candidates,
		NumericMatchesFound: numericMatches,
		VerificationStatus:  string(verdict.Status),
		FailureReasons:      dedupeReasons(reasons),
	}
	return res, nil
}

// persist writes a run's outputs under its fingerprints in dependency
// order: plan first, then assessments, diagnostics, and coverage.
func (o *Orchestrator) persist(ctx context.Context, tenantID string, run contracts.Run, plan *compiler.Plan, runHash string, assessments []contracts.Assessment, diagnostics []contracts.ExtractionDiagnostic, matrix *coverage.Matrix) error {
	planJSON, err := canonicalize.JCS(plan)
	if err != nil {
		return errkind.Wrap(errkind.Integrity, err, "canonicalize plan")
	}
	if err := o.store.PutCompiledPlan(ctx, plan.PlanHash, tenantID, run.CompanyID, planJSON); err != nil {
		return err
	}
	if err := o.store.SetRunFingerprints(ctx, run.RunID, plan.PlanHash, runHash); err != nil {
		return err
	}
	if err := o.store.PutAssessments(ctx, run.RunID, assessments); err != nil {
		return err
	}
	for _, d := range diagnostics {
		if err := o.store.PutDiagnostic(ctx, d); err != nil {
			return err
		}
	}
	return o.store.PutCoverage(ctx, run.RunID, matrix.Obligations)
}

// storeCacheEntry records a completed run's outputs under its hash. The
// backend is write-once, so concurrent completions cannot overwrite.
func (o *Orchestrator) storeCacheEntry(ctx context.Context, runHash, runID string, manifest evidencepack.Manifest, assessments []contracts.Assessment, matrix *coverage.Matrix) {
	manifestJSON, err := canonicalize.JCS(manifest)
	if err != nil {
		return
	}
	assessmentsJSON, err := canonicalize.JCS(assessments)
	if err != nil {
		return
	}
	coverageJSON, err := canonicalize.JCS(matrix)
	if err != nil {
		return
	}
	entry := runcache.Entry{
		RunHash:     runHash,
		RunID:       runID,
		Manifest:    manifestJSON,
		Assessments: assessmentsJSON,
		Coverage:    coverageJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.cache.Put(ctx, entry); err != nil {
		o.logger.WarnContext(ctx, "run cache store failed",
			slog.String("run_hash", runHash), slog.String("error", err.Error()))
	}
}

// replayTerminal serves a completed run's persisted outputs without
// touching the pipeline.
func (o *Orchestrator) replayTerminal(ctx context.Context, tenantID string, run contracts.Run) (*Result, error) {
	assessments, err := o.store.ListAssessments(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	entries, err := o.store.ListCoverage(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	planHash, err := o.store.RunPlanHash(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Run:         run,
		PlanHash:    planHash,
		RunHash:     run.RunHash,
		Assessments: assessments,
		Coverage:    coverage.FromEntries(planHash, o.planTopics(ctx, tenantID, planHash), entries),
		Replayed:    true,
	}, nil
}

// planTopics recovers the declared topic list from the persisted compiled
// plan so replayed coverage keeps its empty sections. A missing or
// undecodable plan degrades to entry-derived sections.
func (o *Orchestrator) planTopics(ctx context.Context, tenantID, planHash string) []string {
	raw, err := o.store.GetCompiledPlan(ctx, tenantID, planHash)
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

// loadMateriality converts a run's stored materiality entries into the
// topic map the compiler and the run fingerprint consume.
func (o *Orchestrator) loadMateriality(ctx context.Context, runID string) (map[string]bool, error) {
	entries, err := o.store.GetRunMateriality(ctx, runID)
	if err != nil {
		return nil, err
	}
	materiality := make(map[string]bool, len(entries))
	for _, e := range entries {
		materiality[e.Topic] = e.IsMaterial
	}
	return materiality, nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID string, kind errkind.Kind, detail string, cause error) error {
	// Failure bookkeeping must land even when the run's context is the
	// thing that failed.
	ctx = context.WithoutCancel(ctx)
	if err := o.store.UpdateRunStatus(ctx, runID, contracts.RunFailed, string(kind), detail); err != nil {
		o.logger.ErrorContext(ctx, "failed to mark run failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	_ = o.recorder.Event(ctx, runID, audit.EventRunFailed, map[string]any{
		"reason": string(kind), "detail": detail,
	})
	if cause != nil {
		return cause
	}
	return errkind.E(kind, "%s", detail)
}

func dedupeReasons(reasons []contracts.FailureReason) []contracts.FailureReason {
	if len(reasons) == 0 {
		return nil
	}
	seen := make(map[contracts.FailureReason]struct{}, len(reasons))
	out := reasons[:0]
	for _, r := range reasons {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
