// Package verify applies post-extraction validation to Present/Partial
// candidates and downgrades them deterministically when the evidence does
// not hold up. Every downgrade is recorded with its failure reasons; the
// verifier never silently accepts or silently drops a claim.
package verify

import (
	"sort"
	"strings"

	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/contracts"
)

// ChunkLookup resolves a cited chunk ID. ok is false for unknown IDs.
type ChunkLookup func(chunkID string) (contracts.Chunk, bool)

// Result is the verified outcome for one extraction.
type Result struct {
	Status    contracts.AssessmentStatus
	Rationale string
	Reasons   []contracts.FailureReason
}

// Verify checks one Present/Partial extraction against its cited evidence.
// Statuses outside {Present, Partial} pass through untouched.
//
// Downgrade ladder: citation failures (orphan or empty chunk) break the
// evidence-gating invariant and drop straight to Absent. Content failures
// (numeric, unit, year, baseline) each cost one step:
// Present -> Partial -> Absent.
func Verify(extraction contracts.Extraction, dp bundle.Datapoint, lookup ChunkLookup) Result {
	if extraction.Status != contracts.StatusPresent && extraction.Status != contracts.StatusPartial {
		return Result{Status: extraction.Status, Rationale: extraction.Rationale}
	}

	var (
		reasons     []contracts.FailureReason
		citationHit bool
		strikes     int
	)
	addReason := func(r contracts.FailureReason) {
		for _, existing := range reasons {
			if existing == r {
				return
			}
		}
		reasons = append(reasons, r)
	}

	var citedTexts []string
	for _, chunkID := range extraction.EvidenceChunkIDs {
		chunk, ok := lookup(chunkID)
		if !ok {
			addReason(contracts.ReasonChunkNotFound)
			citationHit = true
			continue
		}
		if strings.TrimSpace(chunk.Text) == "" {
			addReason(contracts.ReasonEmptyChunk)
			citationHit = true
			continue
		}
		citedTexts = append(citedTexts, chunk.Text)
	}
	evidence := strings.Join(citedTexts, " ")

	if dp.DatapointType == contracts.DatapointMetric {
		if extraction.Value == nil || strings.TrimSpace(deref(extraction.Value)) == "" {
			addReason(contracts.ReasonNumericMismatch)
			strikes++
		} else if !numericMatch(deref(extraction.Value), evidence) {
			addReason(contracts.ReasonNumericMismatch)
			strikes++
		}

		if extraction.Year == nil {
			addReason(contracts.ReasonYearMissing)
			strikes++
		}

		switch {
		case extraction.Unit == nil || strings.TrimSpace(deref(extraction.Unit)) == "":
			addReason(contracts.ReasonUnitMismatch)
			strikes++
		case normalizeUnit(deref(extraction.Unit)) == "":
			// Declared unit outside the controlled vocabulary.
			addReason(contracts.ReasonUnitMismatch)
			strikes++
		}

		if dp.RequiresBaseline && (extraction.BaselineYear == nil || extraction.BaselineValue == nil) {
			addReason(contracts.ReasonBaselineMissing)
			strikes++
		}
	}

	status := extraction.Status
	if citationHit {
		status = contracts.StatusAbsent
	}
	for i := 0; i < strikes; i++ {
		status = downgrade(status)
	}

	rationale := extraction.Rationale
	if len(reasons) > 0 {
		sorted := make([]string, len(reasons))
		for i, r := range reasons {
			sorted[i] = string(r)
		}
		sort.Strings(sorted)
		rationale = strings.TrimSpace(rationale + " Verification downgraded: " + strings.Join(sorted, "; ") + ".")
	}

	return Result{Status: status, Rationale: rationale, Reasons: reasons}
}

func downgrade(s contracts.AssessmentStatus) contracts.AssessmentStatus {
	switch s {
	case contracts.StatusPresent:
		return contracts.StatusPartial
	case contracts.StatusPartial:
		return contracts.StatusAbsent
	default:
		return s
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
