// Package coverage rolls per-datapoint assessment verdicts up to
// obligation-level coverage and a topic-grouped matrix. The roll-up counts
// mandatory datapoints only; optional ones inform the report but never the
// level.
package coverage

import (
	"sort"

	"github.com/regtrace/regtrace/pkg/compiler"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// TopicSection is one topic group of the coverage matrix. Every topic the
// plan declares appears, even when applicability or phase-in filtered all
// of its obligations out; such sections carry Empty=true and an empty
// obligation list instead of being dropped.
type TopicSection struct {
	Topic       string                         `json:"topic"`
	Obligations []contracts.ObligationCoverage `json:"obligations"`
	Empty       bool                           `json:"empty"`
}

// Matrix is the full coverage output for one run.
type Matrix struct {
	PlanHash    string                         `json:"plan_hash"`
	Obligations []contracts.ObligationCoverage `json:"obligations"`
	Sections    []TopicSection                 `json:"sections"`
	CoveragePct float64                        `json:"coverage_pct"`
}

// Compute rolls assessments up against the compiled plan. Every assessment
// must correspond to a plan datapoint; an unknown key is an integrity
// failure, not a skip.
func Compute(plan *compiler.Plan, assessments []contracts.Assessment) (*Matrix, error) {
	byKey := make(map[string]contracts.AssessmentStatus, len(assessments))
	for _, a := range assessments {
		byKey[a.DatapointKey] = a.Status
	}

	known := make(map[string]struct{}, len(plan.Datapoints))
	for _, dp := range plan.Datapoints {
		known[dp.DatapointKey] = struct{}{}
	}
	for _, a := range assessments {
		if _, ok := known[a.DatapointKey]; !ok {
			return nil, errkind.E(errkind.Integrity,
				"assessment for %s has no plan datapoint", a.DatapointKey)
		}
	}

	var (
		entries        []contracts.ObligationCoverage
		totalMandatory int
		totalPresent   int
	)
	for _, ob := range plan.Obligations {
		entry := contracts.ObligationCoverage{
			PlanHash:       plan.PlanHash,
			ObligationCode: ob.ObligationCode,
			Topic:          ob.Topic,
		}
		for _, dp := range ob.Datapoints {
			if !dp.Mandatory {
				continue
			}
			entry.TotalMandatory++
			switch byKey[dp.DatapointKey] {
			case contracts.StatusPresent:
				entry.Present++
			case contracts.StatusPartial:
				entry.Partial++
			case contracts.StatusNA:
				entry.NA++
			default:
				// Absent, Needs-Review, and unassessed all count as not
				// disclosed.
				entry.Absent++
			}
		}
		entry.Level = level(entry)
		if entry.TotalMandatory > 0 {
			entry.CoveragePct = 100 * float64(entry.Present) / float64(entry.TotalMandatory)
		}
		totalMandatory += entry.TotalMandatory
		totalPresent += entry.Present
		entries = append(entries, entry)
	}

	matrix := &Matrix{
		PlanHash:    plan.PlanHash,
		Obligations: entries,
		Sections:    sections(plan.Topics, entries),
	}
	if totalMandatory > 0 {
		matrix.CoveragePct = 100 * float64(totalPresent) / float64(totalMandatory)
	}
	return matrix, nil
}

// FromEntries rebuilds a matrix from persisted obligation entries and the
// plan's declared topics, for replaying a completed run without
// recomputation.
func FromEntries(planHash string, topics []string, entries []contracts.ObligationCoverage) *Matrix {
	matrix := &Matrix{
		PlanHash:    planHash,
		Obligations: entries,
		Sections:    sections(topics, entries),
	}
	var totalMandatory, totalPresent int
	for _, e := range entries {
		totalMandatory += e.TotalMandatory
		totalPresent += e.Present
	}
	if totalMandatory > 0 {
		matrix.CoveragePct = 100 * float64(totalPresent) / float64(totalMandatory)
	}
	return matrix
}

// level derives the obligation verdict from mandatory counts.
func level(e contracts.ObligationCoverage) contracts.CoverageLevel {
	applicable := e.TotalMandatory - e.NA
	switch {
	case applicable == 0:
		return contracts.CoverageNA
	case e.Present == applicable:
		return contracts.CoverageFull
	case e.Present > 0:
		return contracts.CoveragePartial
	default:
		return contracts.CoverageAbsent
	}
}

// sections groups entries by topic in ascending topic order, obligations
// kept in plan order within each section. The topic list is the union of
// the plan's declared topics and the entries' topics, so declared-but-empty
// topics still render and legacy plans without a topic list still group.
func sections(declared []string, entries []contracts.ObligationCoverage) []TopicSection {
	grouped := make(map[string][]contracts.ObligationCoverage)
	for _, e := range entries {
		grouped[e.Topic] = append(grouped[e.Topic], e)
	}

	seen := make(map[string]struct{}, len(declared)+len(grouped))
	topics := make([]string, 0, len(declared)+len(grouped))
	for _, topic := range declared {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	for topic := range grouped {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	out := make([]TopicSection, 0, len(topics))
	for _, topic := range topics {
		obligations := grouped[topic]
		if obligations == nil {
			obligations = []contracts.ObligationCoverage{}
		}
		out = append(out, TopicSection{
			Topic:       topic,
			Obligations: obligations,
			Empty:       len(obligations) == 0,
		})
	}
	return out
}
