package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtrace/regtrace/pkg/applicability"
	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

func newCompiler(t *testing.T, files map[string]string) *Compiler {
	t.Helper()
	dir := t.TempDir()
	for name, raw := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(raw), 0o644))
	}
	evaluator, err := applicability.NewEvaluator()
	require.NoError(t, err)
	registry, err := bundle.NewRegistry(dir, evaluator)
	require.NoError(t, err)
	c := New(registry, evaluator)
	c.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func euCompany() contracts.Company {
	return contracts.Company{
		ID:            "c1",
		TenantID:      "t1",
		Employees:     1200,
		Turnover:      90_000_000,
		ListedStatus:  true,
		ReportingYear: 2026,
		Jurisdictions: []string{"EU"},
		Regimes:       []string{"csrd"},
	}
}

const esrsBundle = `{
	"regime": "csrd", "bundle_id": "esrs_mini", "version": "1.0.0", "jurisdiction": "EU",
	"obligations": [
		{
			"obligation_code": "E1", "title": "Climate change", "topic": "environment",
			"disclosure_reference": "ESRS E1",
			"applies_if": "company.employees > 250",
			"datapoints": [
				{"datapoint_key": "ESRS-E1-6", "title": "GHG emissions", "disclosure_reference": "E1-6",
				 "datapoint_type": "metric", "unit": "tCO2e", "requires_baseline": true, "mandatory": true},
				{"datapoint_key": "ESRS-E1-1", "title": "Transition plan", "disclosure_reference": "E1-1",
				 "datapoint_type": "narrative", "mandatory": true},
				{"datapoint_key": "ESRS-E1-9", "title": "Anticipated effects", "disclosure_reference": "E1-9",
				 "datapoint_type": "narrative", "mandatory": false,
				 "phase_in": [{"key": "reporting_year", "operator": ">=", "value": 2028}]}
			]
		},
		{
			"obligation_code": "G1", "title": "Business conduct", "topic": "governance",
			"disclosure_reference": "ESRS G1",
			"applies_if": "company.listed_status",
			"datapoints": [
				{"datapoint_key": "ESRS-G1-1", "title": "Conduct policies", "disclosure_reference": "G1-1",
				 "datapoint_type": "narrative", "mandatory": true}
			]
		}
	]
}`

func TestCompile_OrderingAndPhaseIn(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	plan, err := c.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)

	require.Len(t, plan.Obligations, 2)
	assert.Equal(t, "E1", plan.Obligations[0].ObligationCode)
	assert.Equal(t, "G1", plan.Obligations[1].ObligationCode)

	// Datapoints: obligation order, then key order; E1-9 is phased out.
	keys := make([]string, 0, len(plan.Datapoints))
	for _, dp := range plan.Datapoints {
		keys = append(keys, dp.DatapointKey)
	}
	assert.Equal(t, []string{"ESRS-E1-1", "ESRS-E1-6", "ESRS-G1-1"}, keys)

	require.Len(t, plan.Excluded, 1)
	assert.Equal(t, "ESRS-E1-9", plan.Excluded[0].DatapointKey)
	assert.Equal(t, ReasonPhaseIn, plan.Excluded[0].Reason)
	assert.Len(t, plan.PlanHash, 64)
}

func TestCompile_AppliesIfFalseExcludesObligation(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	company := euCompany()
	company.Employees = 10
	company.ListedStatus = true

	plan, err := c.Compile(company, Options{Mode: ModeAuto})
	require.NoError(t, err)
	require.Len(t, plan.Obligations, 1)
	assert.Equal(t, "G1", plan.Obligations[0].ObligationCode)

	var reasons []string
	for _, ex := range plan.Excluded {
		if ex.ObligationCode == "E1" && ex.DatapointKey == "" {
			reasons = append(reasons, ex.Reason)
		}
	}
	assert.Equal(t, []string{ReasonNotApplicable}, reasons)
}

func TestCompile_NonMaterialTopicExcluded(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	plan, err := c.Compile(euCompany(), Options{
		Mode:        ModeAuto,
		Materiality: map[string]bool{"governance": false},
	})
	require.NoError(t, err)
	require.Len(t, plan.Obligations, 1)
	assert.Equal(t, "E1", plan.Obligations[0].ObligationCode)
	// The declared topic list keeps governance even though it was filtered.
	assert.Equal(t, []string{"environment", "governance"}, plan.Topics)

	var reasons []string
	for _, ex := range plan.Excluded {
		if ex.ObligationCode == "G1" && ex.DatapointKey == "" {
			reasons = append(reasons, ex.Reason)
		}
	}
	assert.Equal(t, []string{ReasonNotMaterial}, reasons)
}

func TestCompile_MaterialityChangesPlanHash(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	base, err := c.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)
	filtered, err := c.Compile(euCompany(), Options{
		Mode:        ModeAuto,
		Materiality: map[string]bool{"governance": false},
	})
	require.NoError(t, err)
	assert.NotEqual(t, base.PlanHash, filtered.PlanHash)

	// Marking a topic material is the default: hash unchanged.
	explicit, err := c.Compile(euCompany(), Options{
		Mode:        ModeAuto,
		Materiality: map[string]bool{"governance": true},
	})
	require.NoError(t, err)
	assert.Equal(t, base.PlanHash, explicit.PlanHash)
}

func TestCompile_AllTopicsNonMaterialIsEmptyPlan(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	_, err := c.Compile(euCompany(), Options{
		Mode:        ModeAuto,
		Materiality: map[string]bool{"environment": false, "governance": false},
	})
	require.Error(t, err)
	assert.Equal(t, errkind.EmptyPlan, errkind.KindOf(err))
}

func TestCompile_EmptyPlanFails(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	company := euCompany()
	company.Employees = 10
	company.ListedStatus = false

	_, err := c.Compile(company, Options{Mode: ModeAuto})
	require.Error(t, err)
	assert.Equal(t, errkind.EmptyPlan, errkind.KindOf(err))
}

func TestCompile_OverlayDisableAndModify(t *testing.T) {
	overlayBundle := `{
		"regime": "csrd", "bundle_id": "de_overlay", "version": "1.0.0", "jurisdiction": "DE",
		"obligations": [],
		"overlays": [
			{"jurisdiction": "DE", "operations": [
				{"op": "disable", "obligation_code": "G1", "reason": "national exemption"},
				{"op": "modify", "obligation_code": "E1", "fields": {"disclosure_reference": "ESRS E1 (DE)"}}
			]}
		]
	}`
	c := newCompiler(t, map[string]string{
		"esrs_mini@1.0.0.json":  esrsBundle,
		"de_overlay@1.0.0.json": overlayBundle,
	})

	company := euCompany()
	company.Jurisdictions = []string{"EU", "DE"}

	plan, err := c.Compile(company, Options{Mode: ModeAuto})
	require.NoError(t, err)
	require.Len(t, plan.Obligations, 1)
	assert.Equal(t, "E1", plan.Obligations[0].ObligationCode)
	// Overlay from another bundle modified E1's reference.
	assert.Equal(t, "ESRS E1 (DE)", plan.Obligations[0].DisclosureReference)

	var disabled bool
	for _, ex := range plan.Excluded {
		if ex.ObligationCode == "G1" && ex.Reason == ReasonOverlayDisabled+": national exemption" {
			disabled = true
		}
	}
	assert.True(t, disabled)
}

func TestCompile_OverlayIgnoredOutsideJurisdiction(t *testing.T) {
	overlayBundle := `{
		"regime": "csrd", "bundle_id": "de_overlay", "version": "1.0.0", "jurisdiction": "DE",
		"obligations": [],
		"overlays": [
			{"jurisdiction": "DE", "operations": [
				{"op": "disable", "obligation_code": "G1"}
			]}
		]
	}`
	c := newCompiler(t, map[string]string{
		"esrs_mini@1.0.0.json":  esrsBundle,
		"de_overlay@1.0.0.json": overlayBundle,
	})

	plan, err := c.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)
	assert.Len(t, plan.Obligations, 2)
}

func TestCompile_PinnedMode(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	plan, err := c.Compile(euCompany(), Options{Mode: ModePinned, BundleID: "esrs_mini", BundleVersion: "1.0.0"})
	require.NoError(t, err)
	require.Len(t, plan.SelectedBundles, 1)
	assert.Equal(t, "esrs_mini", plan.SelectedBundles[0].BundleID)

	_, err = c.Compile(euCompany(), Options{Mode: ModePinned, BundleID: "esrs_mini", BundleVersion: "9.9.9"})
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

// Obligation order inside the bundle file must not influence the plan hash.
func TestCompile_PlanHashInvariantToObligationOrder(t *testing.T) {
	permuted := `{
		"regime": "csrd", "bundle_id": "esrs_mini", "version": "1.0.0", "jurisdiction": "EU",
		"obligations": [
			{
				"obligation_code": "G1", "title": "Business conduct", "topic": "governance",
				"disclosure_reference": "ESRS G1",
				"applies_if": "company.listed_status",
				"datapoints": [
					{"datapoint_key": "ESRS-G1-1", "title": "Conduct policies", "disclosure_reference": "G1-1",
					 "datapoint_type": "narrative", "mandatory": true}
				]
			},
			{
				"obligation_code": "E1", "title": "Climate change", "topic": "environment",
				"disclosure_reference": "ESRS E1",
				"applies_if": "company.employees > 250",
				"datapoints": [
					{"datapoint_key": "ESRS-E1-9", "title": "Anticipated effects", "disclosure_reference": "E1-9",
					 "datapoint_type": "narrative", "mandatory": false,
					 "phase_in": [{"key": "reporting_year", "operator": ">=", "value": 2028}]},
					{"datapoint_key": "ESRS-E1-1", "title": "Transition plan", "disclosure_reference": "E1-1",
					 "datapoint_type": "narrative", "mandatory": true},
					{"datapoint_key": "ESRS-E1-6", "title": "GHG emissions", "disclosure_reference": "E1-6",
					 "datapoint_type": "metric", "unit": "tCO2e", "requires_baseline": true, "mandatory": true}
				]
			}
		]
	}`

	a := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})
	b := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": permuted})

	planA, err := a.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)
	planB, err := b.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)

	// Note: the selected-bundle checksum differs because the bytes differ,
	// so compare the ordered content instead of the raw hash.
	assert.Equal(t, planA.Obligations, planB.Obligations)
	assert.Equal(t, planA.Datapoints, planB.Datapoints)
	assert.Equal(t, planA.Excluded, planB.Excluded)
}

// Changing an applicability rule changes the plan hash even when the
// filtered result is identical, via the bundle checksum.
func TestCompile_PlanHashSensitiveToRuleText(t *testing.T) {
	c1 := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	changed := replaceOnce(t, esrsBundle, "company.employees > 250", "company.employees > 249")
	c2 := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": changed})

	planA, err := c1.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)
	planB, err := c2.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)
	assert.NotEqual(t, planA.PlanHash, planB.PlanHash)
}

func TestCompile_DeterministicAcrossCalls(t *testing.T) {
	c := newCompiler(t, map[string]string{"esrs_mini@1.0.0.json": esrsBundle})

	first, err := c.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)
	second, err := c.Compile(euCompany(), Options{Mode: ModeAuto})
	require.NoError(t, err)
	assert.Equal(t, first.PlanHash, second.PlanHash)
}

func replaceOnce(t *testing.T, s, old, repl string) string {
	t.Helper()
	idx := strings.Index(s, old)
	require.GreaterOrEqual(t, idx, 0)
	return s[:idx] + repl + s[idx+len(old):]
}
