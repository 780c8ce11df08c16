package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtrace/regtrace/pkg/applicability"
	"github.com/regtrace/regtrace/pkg/audit"
	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/compiler"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
	"github.com/regtrace/regtrace/pkg/provider"
	"github.com/regtrace/regtrace/pkg/retrieval"
	"github.com/regtrace/regtrace/pkg/runcache"
	"github.com/regtrace/regtrace/pkg/store"
)

const testBundle = `{
	"regime": "csrd", "bundle_id": "esrs_mini", "version": "1.0.0", "jurisdiction": "EU",
	"obligations": [
		{
			"obligation_code": "E1", "title": "Climate change", "topic": "environment",
			"disclosure_reference": "ESRS E1",
			"applies_if": "company.employees > 250",
			"datapoints": [
				{"datapoint_key": "ESRS-E1-1", "title": "Transition plan", "disclosure_reference": "E1-1",
				 "datapoint_type": "narrative", "mandatory": true, "query": "climate transition plan"},
				{"datapoint_key": "ESRS-E1-6", "title": "GHG emissions", "disclosure_reference": "E1-6",
				 "datapoint_type": "metric", "unit": "tCO2e", "mandatory": true, "query": "gross scope emissions"}
			]
		}
	]
}`

// scriptedProvider answers from a fixed script and counts calls.
type scriptedProvider struct {
	mu        sync.Mutex
	calls     int
	responses map[string]contracts.Extraction
	errs      map[string]error
	block     bool
}

func (p *scriptedProvider) ID() string { return "scripted-test" }

func (p *scriptedProvider) Extract(ctx context.Context, prompt provider.Prompt) (contracts.Extraction, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return contracts.Extraction{}, ctx.Err()
	}
	if err, ok := p.errs[prompt.DatapointKey]; ok {
		return contracts.Extraction{}, err
	}
	if e, ok := p.responses[prompt.DatapointKey]; ok {
		return e, nil
	}
	return contracts.Extraction{
		Status:           contracts.StatusAbsent,
		EvidenceChunkIDs: []string{},
		Rationale:        "not disclosed",
	}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type harness struct {
	store    *store.Store
	orc      *Orchestrator
	provider *scriptedProvider
}

func newHarness(t *testing.T, prov *scriptedProvider, cache runcache.Backend) *harness {
	t.Helper()
	bundleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "esrs_mini@1.0.0.json"), []byte(testBundle), 0o644))

	evaluator, err := applicability.NewEvaluator()
	require.NoError(t, err)
	registry, err := bundle.NewRegistry(bundleDir, evaluator)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "regtrace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine, err := retrieval.NewEngine(nil, retrieval.DefaultParams())
	require.NoError(t, err)

	orc, err := New(Config{
		Store:       st,
		Cache:       cache,
		Compiler:    compiler.New(registry, evaluator),
		Retrieval:   engine,
		Provider:    prov,
		CodeVersion: "test",
	})
	require.NoError(t, err)
	return &harness{store: st, orc: orc, provider: prov}
}

func (h *harness) seedCompany(t *testing.T, employees int64) contracts.Company {
	t.Helper()
	company := contracts.Company{
		ID: "c1", TenantID: "t1", Name: "Acme Industrials",
		Employees: employees, Turnover: 90_000_000, ListedStatus: true,
		ReportingYear: 2026, Jurisdictions: []string{"EU"}, Regimes: []string{"csrd"},
		CreatedAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.store.CreateCompany(context.Background(), company))
	return company
}

func (h *harness) seedCorpus(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	docHash := "d100000000000000000000000000000000000000000000000000000000000000"
	_, err := h.store.PutDocument(ctx, contracts.Document{
		DocHash: docHash, Title: "Annual Report 2026", ContentType: "application/pdf",
		SizeBytes: 1024, ParserVersion: "pdf-v1", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, h.store.LinkCompanyDocument(ctx, contracts.CompanyDocumentLink{
		TenantID: "t1", CompanyID: "c1", DocHash: docHash,
	}))
	require.NoError(t, h.store.PutChunks(ctx, []contracts.Chunk{
		{ChunkID: "chunk-a", DocHash: docHash, PageNumber: 1, StartOffset: 0, EndOffset: 80,
			Text: "Our climate transition plan targets net zero by 2045.", TokenCount: 10},
		{ChunkID: "chunk-b", DocHash: docHash, PageNumber: 2, StartOffset: 0, EndOffset: 80,
			Text: "Gross Scope 1 emissions were 42,000 tCO2e in 2026.", TokenCount: 10},
	}))
}

func (h *harness) seedRun(t *testing.T, runID string) {
	t.Helper()
	require.NoError(t, h.store.CreateRun(context.Background(), contracts.Run{
		RunID: runID, TenantID: "t1", CompanyID: "c1",
		Status: contracts.RunQueued, CompilerMode: "auto",
		ProviderID: h.provider.ID(), CreatedAt: time.Now(),
	}))
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func happyScript() map[string]contracts.Extraction {
	return map[string]contracts.Extraction{
		"ESRS-E1-1": {
			Status:           contracts.StatusPresent,
			EvidenceChunkIDs: []string{"chunk-a"},
			Rationale:        "Transition plan disclosed with a net zero target.",
		},
		"ESRS-E1-6": {
			Status: contracts.StatusPresent, Value: strPtr("42,000"), Unit: strPtr("tCO2e"),
			Year: intPtr(2026), EvidenceChunkIDs: []string{"chunk-b"},
			Rationale: "Scope 1 emissions stated for the reporting year.",
		},
	}
}

func TestExecute_HappyPath(t *testing.T) {
	prov := &scriptedProvider{responses: happyScript()}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	result, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)

	assert.Equal(t, contracts.RunCompleted, result.Run.Status)
	assert.Len(t, result.RunHash, 64)
	assert.Len(t, result.PlanHash, 64)
	assert.False(t, result.Replayed)

	require.Len(t, result.Assessments, 2)
	assert.Equal(t, "ESRS-E1-1", result.Assessments[0].DatapointKey)
	assert.Equal(t, contracts.StatusPresent, result.Assessments[0].Status)
	assert.Equal(t, "ESRS-E1-6", result.Assessments[1].DatapointKey)
	assert.Equal(t, contracts.StatusPresent, result.Assessments[1].Status)
	assert.NotEmpty(t, result.Assessments[1].PromptHash)
	assert.Equal(t, "hybrid-v1", result.Assessments[1].RetrievalParams.PolicyVersion)

	assert.Equal(t, float64(100), result.Coverage.CoveragePct)
	assert.Equal(t, result.RunHash, result.Manifest.RunHash)
	assert.Equal(t, "scripted-test", result.Manifest.ProviderIdentity)

	// Outputs persisted under the run.
	stored, err := h.store.ListAssessments(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	diags, err := h.store.ListDiagnostics(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, diags, 2)

	events, err := h.store.ListRunEvents(context.Background(), "run-1")
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, audit.EventRunStarted)
	assert.Contains(t, types, audit.EventPlanCompiled)
	assert.Contains(t, types, audit.EventDatapointScored)
	assert.Contains(t, types, audit.EventRunCompleted)

	var scored []string
	for _, e := range events {
		if e.EventType == audit.EventDatapointScored {
			scored = append(scored, e.Payload["datapoint_key"].(string))
		}
	}
	assert.ElementsMatch(t, []string{"ESRS-E1-1", "ESRS-E1-6"}, scored)
}

func TestExecute_CacheHitSkipsProvider(t *testing.T) {
	cache := runcache.NewMemory()
	prov := &scriptedProvider{responses: happyScript()}
	h := newHarness(t, prov, cache)
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")
	h.seedRun(t, "run-2")

	first, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)
	callsAfterFirst := prov.callCount()
	require.Equal(t, 2, callsAfterFirst)

	second, err := h.orc.Execute(context.Background(), "t1", "run-2", compiler.Options{})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, callsAfterFirst, prov.callCount(), "cache hit must make zero provider calls")
	assert.Equal(t, first.RunHash, second.RunHash)
	assert.Equal(t, contracts.RunCompleted, second.Run.Status)

	require.Len(t, second.Assessments, 2)
	assert.Equal(t, "run-2", second.Assessments[0].RunID)
	assert.Equal(t, first.Assessments[0].Status, second.Assessments[0].Status)

	// A cache hit records no new diagnostics.
	diags, err := h.store.ListDiagnostics(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Empty(t, diags)

	events, err := h.store.ListRunEvents(context.Background(), "run-2")
	require.NoError(t, err)
	var hit bool
	for _, e := range events {
		if e.EventType == audit.EventCacheHit {
			hit = true
			assert.Equal(t, "run-1", e.Payload["source_run_id"])
		}
	}
	assert.True(t, hit)
}

func TestExecute_TerminalRunReplaysWithoutProvider(t *testing.T) {
	prov := &scriptedProvider{responses: happyScript()}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	first, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)
	calls := prov.callCount()

	again, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, calls, prov.callCount())
	assert.Equal(t, first.RunHash, again.RunHash)
	assert.Len(t, again.Assessments, 2)
}

func TestExecute_OrphanCitationBecomesAbsent(t *testing.T) {
	script := happyScript()
	script["ESRS-E1-1"] = contracts.Extraction{
		Status:           contracts.StatusPresent,
		EvidenceChunkIDs: []string{"no-such-chunk"},
		Rationale:        "Claimed from a chunk that does not exist.",
	}
	prov := &scriptedProvider{responses: script}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	result, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, result.Run.Status)
	assert.Equal(t, contracts.StatusAbsent, result.Assessments[0].Status)

	diags, err := h.store.ListDiagnostics(context.Background(), "run-1")
	require.NoError(t, err)
	var reasons []contracts.FailureReason
	for _, d := range diags {
		if d.DatapointKey == "ESRS-E1-1" {
			reasons = d.FailureReasons
		}
	}
	assert.Contains(t, reasons, contracts.ReasonChunkNotFound)
}

func TestExecute_ProviderFailureBecomesAbsent(t *testing.T) {
	prov := &scriptedProvider{
		responses: happyScript(),
		errs:      map[string]error{"ESRS-E1-6": errkind.E(errkind.Dependency, "backend unavailable")},
	}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	result, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)
	// One of two calls failed: rate 0.5 is not above the threshold.
	assert.Equal(t, contracts.RunCompleted, result.Run.Status)
	assert.Equal(t, contracts.StatusAbsent, result.Assessments[1].Status)

	diags, err := h.store.ListDiagnostics(context.Background(), "run-1")
	require.NoError(t, err)
	var reasons []contracts.FailureReason
	for _, d := range diags {
		if d.DatapointKey == "ESRS-E1-6" {
			reasons = d.FailureReasons
		}
	}
	assert.Contains(t, reasons, contracts.ReasonProviderFailure)
}

func TestExecute_HighFailureRateIsIntegrityWarning(t *testing.T) {
	prov := &scriptedProvider{
		errs: map[string]error{
			"ESRS-E1-1": errkind.E(errkind.Dependency, "backend unavailable"),
			"ESRS-E1-6": errkind.E(errkind.Dependency, "backend unavailable"),
		},
	}
	cache := runcache.NewMemory()
	h := newHarness(t, prov, cache)
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	result, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.RunIntegrityWarning, result.Run.Status)
	assert.Equal(t, string(contracts.ReasonProviderFailure), result.Run.FailReason)

	// Integrity warnings never populate the run cache.
	_, hit, err := cache.Get(context.Background(), result.RunHash)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestExecute_EmptyCorpusFailsRun(t *testing.T) {
	prov := &scriptedProvider{}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedRun(t, "run-1")

	_, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.Error(t, err)
	assert.Equal(t, errkind.EmptyCorpus, errkind.KindOf(err))

	run, err := h.store.GetRun(context.Background(), "t1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status)
	assert.Equal(t, "EMPTY_CORPUS", run.FailReason)
	assert.Zero(t, prov.callCount())
}

func TestExecute_EmptyPlanFailsRun(t *testing.T) {
	prov := &scriptedProvider{}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 10) // below the applicability threshold
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	_, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.Error(t, err)
	assert.Equal(t, errkind.EmptyPlan, errkind.KindOf(err))

	run, err := h.store.GetRun(context.Background(), "t1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status)
	assert.Equal(t, "EMPTY_PLAN", run.FailReason)
}

func TestExecute_CancellationFailsRun(t *testing.T) {
	prov := &scriptedProvider{block: true}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := h.orc.Execute(ctx, "t1", "run-1", compiler.Options{})
	require.Error(t, err)

	run, err := h.store.GetRun(context.Background(), "t1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status)
	assert.Equal(t, "CANCELLED", run.FailReason)
}

func TestExecute_ReexecutingFailedRunConflicts(t *testing.T) {
	prov := &scriptedProvider{}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedRun(t, "run-1")

	_, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.Error(t, err) // empty corpus

	_, err = h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

func TestExecute_NonMaterialTopicFailsEmptyPlan(t *testing.T) {
	prov := &scriptedProvider{responses: happyScript()}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")

	require.NoError(t, h.store.SetRunMateriality(context.Background(), "run-1",
		[]contracts.MaterialityEntry{{Topic: "environment", IsMaterial: false}}))

	// The bundle only declares environment: excluding it empties the plan.
	_, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.Error(t, err)
	assert.Equal(t, errkind.EmptyPlan, errkind.KindOf(err))
	assert.Zero(t, prov.callCount())
}

func TestExecute_MaterialitySnapshotChangesRunHash(t *testing.T) {
	prov := &scriptedProvider{responses: happyScript()}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")
	h.seedRun(t, "run-2")

	first, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)

	// An explicit material marking changes the snapshot, so the second run
	// is a different fingerprint even though the compiled plan matches.
	require.NoError(t, h.store.SetRunMateriality(context.Background(), "run-2",
		[]contracts.MaterialityEntry{{Topic: "environment", IsMaterial: true}}))
	second, err := h.orc.Execute(context.Background(), "t1", "run-2", compiler.Options{})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunHash, second.RunHash)
	assert.False(t, second.Replayed)
	assert.Equal(t, map[string]bool{"environment": true}, second.Manifest.MaterialitySnapshot)
}

func TestExecute_DeterministicRunHash(t *testing.T) {
	prov := &scriptedProvider{responses: happyScript()}
	h := newHarness(t, prov, runcache.NewMemory())
	h.seedCompany(t, 1200)
	h.seedCorpus(t)
	h.seedRun(t, "run-1")
	h.seedRun(t, "run-2")

	first, err := h.orc.Execute(context.Background(), "t1", "run-1", compiler.Options{})
	require.NoError(t, err)
	second, err := h.orc.Execute(context.Background(), "t1", "run-2", compiler.Options{})
	require.NoError(t, err)
	assert.Equal(t, first.RunHash, second.RunHash)
	assert.Equal(t, first.PlanHash, second.PlanHash)
}
