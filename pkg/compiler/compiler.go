// Package compiler resolves a company context into an ordered compiled
// plan of applicable obligations and datapoints. Compilation is a pure
// function of (company profile, selected bundles): overlays, applicability,
// and phase-in are applied in a fixed order so the plan hash is reproducible
// across processes and bundle-file orderings.
package compiler

import (
	"sort"
	"time"

	"github.com/regtrace/regtrace/pkg/applicability"
	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/canonicalize"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// CompilerVersion participates in the plan hash.
const CompilerVersion = "reg-compiler-v1"

// Compilation modes.
const (
	// ModeAuto selects the latest bundle versions matching the company's
	// regimes and jurisdictions.
	ModeAuto = "auto"
	// ModePinned compiles exactly one named bundle version.
	ModePinned = "pinned"
)

// Exclusion records why an obligation or datapoint was left out of the plan.
type Exclusion struct {
	ObligationCode string `json:"obligation_code"`
	DatapointKey   string `json:"datapoint_key,omitempty"`
	Reason         string `json:"reason"`
}

// Exclusion reasons.
const (
	ReasonPhaseIn         = "PHASE_IN"
	ReasonNotApplicable   = "APPLIES_IF_FALSE"
	ReasonNotMaterial     = "NOT_MATERIAL"
	ReasonOverlayDisabled = "OVERLAY_DISABLED"
	ReasonNoDatapoints    = "NO_DATAPOINTS_IN_SCOPE"
)

// PlanObligation is one applicable obligation with its in-scope datapoints.
type PlanObligation struct {
	ObligationCode      string             `json:"obligation_code"`
	Title               string             `json:"title"`
	Topic               string             `json:"topic"`
	DisclosureReference string             `json:"disclosure_reference"`
	Datapoints          []bundle.Datapoint `json:"datapoints"`

	// appliesIf is carried through overlay application for evaluation; the
	// rule text itself is fingerprinted via the bundle checksum.
	appliesIf string
}

// PlanDatapoint is one flattened work item of the plan.
type PlanDatapoint struct {
	ObligationCode string `json:"obligation_code"`
	Topic          string `json:"topic"`
	bundle.Datapoint
}

// Plan is the compiled, ordered, applicability-filtered plan for one
// (company, reporting year).
type Plan struct {
	CompilerVersion string           `json:"compiler_version"`
	CompanyID       string           `json:"company_id"`
	ReportingYear   int              `json:"reporting_year"`
	CompilerMode    string           `json:"compiler_mode"`
	Jurisdictions   []string         `json:"jurisdictions"`
	Regimes         []string         `json:"regimes"`
	SelectedBundles []bundle.Ref     `json:"selected_bundles"`
	// Topics lists every topic the selected bundles declare after overlay
	// application, including topics whose obligations were all filtered
	// out. The coverage matrix keys its sections off this list.
	Topics      []string         `json:"topics"`
	Obligations []PlanObligation `json:"obligations"`
	Datapoints  []PlanDatapoint  `json:"datapoints"`
	Excluded    []Exclusion      `json:"excluded"`
	GeneratedAt string           `json:"generated_at"`
	PlanHash    string           `json:"plan_hash"`
}

// Options selects what to compile.
type Options struct {
	Mode          string
	BundleID      string // pinned mode only
	BundleVersion string // pinned mode only

	// Materiality marks topics as material or not; absent topics default
	// to material. Non-material topics are excluded with NOT_MATERIAL.
	Materiality map[string]bool
}

// Compiler composes bundles into plans.
type Compiler struct {
	registry  *bundle.Registry
	evaluator *applicability.Evaluator
	now       func() time.Time
}

// New builds a compiler over a bundle registry.
func New(registry *bundle.Registry, evaluator *applicability.Evaluator) *Compiler {
	return &Compiler{registry: registry, evaluator: evaluator, now: time.Now}
}

// Compile produces the plan for one company. If the company declares
// regimes but no obligation survives filtering, compilation fails with
// EMPTY_PLAN instead of producing a vacuous pass.
func (c *Compiler) Compile(company contracts.Company, opts Options) (*Plan, error) {
	selected, err := c.selectBundles(company, opts)
	if err != nil {
		return nil, err
	}

	working, excluded := c.applyOverlays(selected, company)
	topics := declaredTopics(working)
	obligations, excluded := c.filterApplicability(working, company, opts.Materiality, excluded)

	sort.Slice(obligations, func(i, j int) bool {
		return obligations[i].ObligationCode < obligations[j].ObligationCode
	})
	sort.Slice(excluded, func(i, j int) bool {
		if excluded[i].ObligationCode != excluded[j].ObligationCode {
			return excluded[i].ObligationCode < excluded[j].ObligationCode
		}
		return excluded[i].DatapointKey < excluded[j].DatapointKey
	})

	var datapoints []PlanDatapoint
	for _, ob := range obligations {
		for _, dp := range ob.Datapoints {
			datapoints = append(datapoints, PlanDatapoint{
				ObligationCode: ob.ObligationCode,
				Topic:          ob.Topic,
				Datapoint:      dp,
			})
		}
	}

	if len(company.Regimes) > 0 && len(obligations) == 0 {
		return nil, errkind.E(errkind.EmptyPlan,
			"company %s declares regimes %v but no obligation applies", company.ID, company.Regimes)
	}

	refs := make([]bundle.Ref, 0, len(selected))
	for _, b := range selected {
		refs = append(refs, b.Ref())
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].BundleID != refs[j].BundleID {
			return refs[i].BundleID < refs[j].BundleID
		}
		return refs[i].Version < refs[j].Version
	})

	plan := &Plan{
		CompilerVersion: CompilerVersion,
		CompanyID:       company.ID,
		ReportingYear:   company.ReportingYear,
		CompilerMode:    opts.Mode,
		Jurisdictions:   sortedCopy(company.Jurisdictions),
		Regimes:         sortedCopy(company.Regimes),
		SelectedBundles: refs,
		Topics:          topics,
		Obligations:     obligations,
		Datapoints:      datapoints,
		Excluded:        excluded,
		GeneratedAt:     c.now().UTC().Format(time.RFC3339),
	}

	hash, err := planHash(plan)
	if err != nil {
		return nil, err
	}
	plan.PlanHash = hash
	return plan, nil
}

func (c *Compiler) selectBundles(company contracts.Company, opts Options) ([]*bundle.Bundle, error) {
	switch opts.Mode {
	case ModePinned:
		b, err := c.registry.Get(opts.BundleID, opts.BundleVersion)
		if err != nil {
			return nil, err
		}
		return []*bundle.Bundle{b}, nil
	case ModeAuto, "":
		return c.registry.Select(company.Regimes, company.Jurisdictions), nil
	default:
		return nil, errkind.E(errkind.Validation, "unknown compiler mode %q", opts.Mode)
	}
}

// applyOverlays composes selected bundles into one working obligation list
// and applies jurisdiction overlays as an apply-list keyed by obligation
// code. Ordering is (jurisdiction code ascending, op index); overlays may
// target obligations contributed by other bundles.
func (c *Compiler) applyOverlays(selected []*bundle.Bundle, company contracts.Company) ([]PlanObligation, []Exclusion) {
	jurisdictionSet := toSet(company.Jurisdictions)

	var working []PlanObligation
	for _, b := range selected {
		for _, ob := range b.Obligations {
			working = append(working, planObligation(ob))
		}
	}

	type scopedOp struct {
		jurisdiction string
		index        int
		op           bundle.OverlayOp
	}
	var ops []scopedOp
	for _, b := range selected {
		for _, overlay := range b.Overlays {
			if _, ok := jurisdictionSet[overlay.Jurisdiction]; !ok {
				continue
			}
			for i, op := range overlay.Operations {
				ops = append(ops, scopedOp{jurisdiction: overlay.Jurisdiction, index: i, op: op})
			}
		}
	}
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].jurisdiction != ops[j].jurisdiction {
			return ops[i].jurisdiction < ops[j].jurisdiction
		}
		return ops[i].index < ops[j].index
	})

	var excluded []Exclusion
	for _, scoped := range ops {
		op := scoped.op
		switch op.Op {
		case "add":
			if op.Obligation != nil {
				working = append(working, planObligation(*op.Obligation))
			}
		case "modify":
			for i := range working {
				if working[i].ObligationCode == op.ObligationCode {
					modifyObligation(&working[i], op.Fields)
				}
			}
		case "disable":
			kept := working[:0]
			removed := false
			for _, ob := range working {
				if ob.ObligationCode == op.ObligationCode {
					removed = true
					continue
				}
				kept = append(kept, ob)
			}
			working = kept
			if removed {
				reason := ReasonOverlayDisabled
				if op.Reason != "" {
					reason = ReasonOverlayDisabled + ": " + op.Reason
				}
				excluded = append(excluded, Exclusion{ObligationCode: op.ObligationCode, Reason: reason})
			}
		}
	}
	return working, excluded
}

// filterApplicability evaluates obligation applicability and datapoint
// phase-in. Evaluation errors exclude the obligation with the error text:
// a broken rule must surface in the plan, never pass silently.
func (c *Compiler) filterApplicability(working []PlanObligation, company contracts.Company, materiality map[string]bool, excluded []Exclusion) ([]PlanObligation, []Exclusion) {
	var kept []PlanObligation
	for _, ob := range working {
		if material, marked := materiality[ob.Topic]; marked && !material {
			excluded = append(excluded, Exclusion{ObligationCode: ob.ObligationCode, Reason: ReasonNotMaterial})
			continue
		}
		if expr := ob.appliesIf; expr != "" {
			applies, err := c.evaluator.Evaluate(expr, company)
			if err != nil {
				excluded = append(excluded, Exclusion{
					ObligationCode: ob.ObligationCode,
					Reason:         ReasonNotApplicable + ": " + err.Error(),
				})
				continue
			}
			if !applies {
				excluded = append(excluded, Exclusion{ObligationCode: ob.ObligationCode, Reason: ReasonNotApplicable})
				continue
			}
		}

		var inScope []bundle.Datapoint
		for _, dp := range ob.Datapoints {
			phased, err := c.phaseInApplies(dp, company)
			if err != nil || !phased {
				excluded = append(excluded, Exclusion{
					ObligationCode: ob.ObligationCode,
					DatapointKey:   dp.DatapointKey,
					Reason:         ReasonPhaseIn,
				})
				continue
			}
			inScope = append(inScope, dp)
		}
		if len(inScope) == 0 {
			excluded = append(excluded, Exclusion{ObligationCode: ob.ObligationCode, Reason: ReasonNoDatapoints})
			continue
		}

		sort.Slice(inScope, func(i, j int) bool {
			return inScope[i].DatapointKey < inScope[j].DatapointKey
		})
		ob.Datapoints = inScope
		kept = append(kept, ob)
	}
	return kept, excluded
}

func (c *Compiler) phaseInApplies(dp bundle.Datapoint, company contracts.Company) (bool, error) {
	for _, rule := range dp.PhaseIn {
		ok, err := c.evaluator.Evaluate(rule.Expression(), company)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// planObligation flattens a bundle obligation, keeping its applies_if for
// post-overlay evaluation.
func planObligation(ob bundle.Obligation) PlanObligation {
	p := PlanObligation{
		ObligationCode:      ob.ObligationCode,
		Title:               ob.Title,
		Topic:               ob.Topic,
		DisclosureReference: ob.DisclosureReference,
		Datapoints:          append([]bundle.Datapoint(nil), ob.Datapoints...),
	}
	p.appliesIf = ob.AppliesIf
	return p
}

func modifyObligation(ob *PlanObligation, fields map[string]any) {
	if v, ok := fields["title"].(string); ok {
		ob.Title = v
	}
	if v, ok := fields["topic"].(string); ok {
		ob.Topic = v
	}
	if v, ok := fields["disclosure_reference"].(string); ok {
		ob.DisclosureReference = v
	}
	if v, ok := fields["applies_if"].(string); ok {
		ob.appliesIf = v
	}
}

// planHash fingerprints the plan over its canonical JSON, excluding the
// generation timestamp and the hash field itself.
func planHash(plan *Plan) (string, error) {
	payload := struct {
		CompilerVersion string           `json:"compiler_version"`
		CompanyID       string           `json:"company_id"`
		ReportingYear   int              `json:"reporting_year"`
		CompilerMode    string           `json:"compiler_mode"`
		Jurisdictions   []string         `json:"jurisdictions"`
		Regimes         []string         `json:"regimes"`
		SelectedBundles []bundle.Ref     `json:"selected_bundles"`
		Topics          []string         `json:"topics"`
		Obligations     []PlanObligation `json:"obligations"`
		Datapoints      []PlanDatapoint  `json:"datapoints"`
		Excluded        []Exclusion      `json:"excluded"`
	}{
		CompilerVersion: plan.CompilerVersion,
		CompanyID:       plan.CompanyID,
		ReportingYear:   plan.ReportingYear,
		CompilerMode:    plan.CompilerMode,
		Jurisdictions:   plan.Jurisdictions,
		Regimes:         plan.Regimes,
		SelectedBundles: plan.SelectedBundles,
		Topics:          plan.Topics,
		Obligations:     plan.Obligations,
		Datapoints:      plan.Datapoints,
		Excluded:        plan.Excluded,
	}
	hash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return "", errkind.Wrap(errkind.Integrity, err, "plan hash")
	}
	return hash, nil
}

// declaredTopics collects the distinct topics of the post-overlay working
// set, sorted ascending.
func declaredTopics(working []PlanObligation) []string {
	seen := make(map[string]struct{}, len(working))
	topics := make([]string, 0, len(working))
	for _, ob := range working {
		if _, ok := seen[ob.Topic]; ok {
			continue
		}
		seen[ob.Topic] = struct{}{}
		topics = append(topics, ob.Topic)
	}
	sort.Strings(topics)
	return topics
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
