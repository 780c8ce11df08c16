package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/contracts"
)

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func chunkMap(chunks ...contracts.Chunk) ChunkLookup {
	byID := make(map[string]contracts.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}
	return func(id string) (contracts.Chunk, bool) {
		c, ok := byID[id]
		return c, ok
	}
}

func narrativeDP() bundle.Datapoint {
	return bundle.Datapoint{DatapointKey: "ESRS-E1-1", DatapointType: contracts.DatapointNarrative, Mandatory: true}
}

func metricDP(baseline bool) bundle.Datapoint {
	return bundle.Datapoint{
		DatapointKey:     "ESRS-E1-6",
		DatapointType:    contracts.DatapointMetric,
		Unit:             "tCO2e",
		RequiresBaseline: baseline,
		Mandatory:        true,
	}
}

func TestVerify_AbsentPassesThrough(t *testing.T) {
	got := Verify(contracts.Extraction{Status: contracts.StatusAbsent, Rationale: "nothing found"},
		narrativeDP(), chunkMap())
	assert.Equal(t, contracts.StatusAbsent, got.Status)
	assert.Equal(t, "nothing found", got.Rationale)
	assert.Empty(t, got.Reasons)
}

func TestVerify_ValidNarrativePresent(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		EvidenceChunkIDs: []string{"c1"},
		Rationale:        "transition plan described",
	}, narrativeDP(), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "our transition plan targets 2040"}))
	assert.Equal(t, contracts.StatusPresent, got.Status)
	assert.Empty(t, got.Reasons)
}

func TestVerify_OrphanCitationDropsToAbsent(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		EvidenceChunkIDs: []string{"DEADBEEF"},
		Rationale:        "cited",
	}, narrativeDP(), chunkMap())
	assert.Equal(t, contracts.StatusAbsent, got.Status)
	assert.Equal(t, []contracts.FailureReason{contracts.ReasonChunkNotFound}, got.Reasons)
	assert.Contains(t, got.Rationale, "Verification downgraded")
}

func TestVerify_EmptyChunkDropsToAbsent(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPartial,
		EvidenceChunkIDs: []string{"c1"},
	}, narrativeDP(), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "   "}))
	assert.Equal(t, contracts.StatusAbsent, got.Status)
	assert.Equal(t, []contracts.FailureReason{contracts.ReasonEmptyChunk}, got.Reasons)
}

func TestVerify_MetricValueFoundInEvidence(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		Value:            strp("42,000"),
		Unit:             strp("tCO2e"),
		Year:             intp(2025),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(false), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "gross scope 1 emissions were 42000 tCO2e in 2025"}))
	assert.Equal(t, contracts.StatusPresent, got.Status)
	assert.Empty(t, got.Reasons)
}

func TestVerify_NumericMismatchOneStrike(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		Value:            strp("99999"),
		Unit:             strp("tCO2e"),
		Year:             intp(2025),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(false), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "emissions were 42000 tCO2e"}))
	assert.Equal(t, contracts.StatusPartial, got.Status)
	assert.Contains(t, got.Reasons, contracts.ReasonNumericMismatch)
}

func TestVerify_PartialWithStrikeBecomesAbsent(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPartial,
		Value:            strp("99999"),
		Unit:             strp("tCO2e"),
		Year:             intp(2025),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(false), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "emissions were 42000 tCO2e"}))
	assert.Equal(t, contracts.StatusAbsent, got.Status)
}

func TestVerify_BaselineMissingDowngrades(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPartial,
		Value:            strp("42000"),
		Unit:             strp("tCO2e"),
		Year:             intp(2025),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(true), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "emissions were 42000 tCO2e"}))
	assert.Equal(t, contracts.StatusAbsent, got.Status)
	assert.Contains(t, got.Reasons, contracts.ReasonBaselineMissing)
}

func TestVerify_BaselinePresentPasses(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		Value:            strp("42000"),
		Unit:             strp("tCO2e"),
		Year:             intp(2025),
		BaselineYear:     intp(2019),
		BaselineValue:    strp("55000"),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(true), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "42000 tCO2e, down from 55000 in 2019"}))
	assert.Equal(t, contracts.StatusPresent, got.Status)
	assert.Empty(t, got.Reasons)
}

func TestVerify_YearMissing(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		Value:            strp("42000"),
		Unit:             strp("tCO2e"),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(false), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "42000 tCO2e"}))
	assert.Equal(t, contracts.StatusPartial, got.Status)
	assert.Contains(t, got.Reasons, contracts.ReasonYearMissing)
}

func TestVerify_UnknownUnitRejected(t *testing.T) {
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		Value:            strp("42000"),
		Unit:             strp("furlongs"),
		Year:             intp(2025),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(false), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "42000 in 2025"}))
	assert.Equal(t, contracts.StatusPartial, got.Status)
	assert.Contains(t, got.Reasons, contracts.ReasonUnitMismatch)
}

func TestVerify_MultipleStrikesStackToAbsent(t *testing.T) {
	// Numeric mismatch + missing year: two strikes from Present.
	got := Verify(contracts.Extraction{
		Status:           contracts.StatusPresent,
		Value:            strp("99999"),
		Unit:             strp("tCO2e"),
		EvidenceChunkIDs: []string{"c1"},
	}, metricDP(false), chunkMap(contracts.Chunk{ChunkID: "c1", Text: "42000 tCO2e"}))
	assert.Equal(t, contracts.StatusAbsent, got.Status)
	require.Len(t, got.Reasons, 2)
}

func TestNumericMatch_ThousandSeparators(t *testing.T) {
	assert.True(t, numericMatch("42,000", "emissions were 42000 tonnes"))
	assert.True(t, numericMatch("42000", "emissions were 42,000 tonnes"))
	assert.True(t, numericMatch("1,234,567.50", "total 1234567.5 EUR"))
	assert.False(t, numericMatch("42001", "emissions were 42000 tonnes"))
}

func TestNumericMatch_PercentFractionBridge(t *testing.T) {
	assert.True(t, numericMatch("0.25", "a quarter, or 25%, of revenue"))
	assert.True(t, numericMatch("25", "a 0.25 share of revenue"))
	assert.False(t, numericMatch("0.26", "25% of revenue"))
}

func TestNumericMatch_NoNumbers(t *testing.T) {
	assert.False(t, numericMatch("not stated", "42000 tCO2e"))
	assert.False(t, numericMatch("42000", "no numbers here"))
}

func TestNormalizeUnit(t *testing.T) {
	assert.Equal(t, "%", normalizeUnit("percent"))
	assert.Equal(t, "tCO2e", normalizeUnit("tCO2e"))
	assert.Equal(t, "t", normalizeUnit("Tonnes"))
	assert.Equal(t, "MWh", normalizeUnit("mwh"))
	assert.Equal(t, "", normalizeUnit("furlongs"))
}
