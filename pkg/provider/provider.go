// Package provider renders per-datapoint extraction prompts and calls the
// configured extraction backend. Providers answer in schema-only mode; a
// malformed response is a loud failure, never a silent fix-up.
package provider

import (
	"context"
	"strings"

	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/canonicalize"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// PromptTemplateVersion participates in the prompt hash and the run hash.
const PromptTemplateVersion = "extract-v1"

// PromptChunk is one retrieved chunk as shown to the provider.
type PromptChunk struct {
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

// Prompt is the full, deterministic input for one datapoint extraction.
// Everything the provider sees is in this struct; its canonical hash is the
// prompt fingerprint.
type Prompt struct {
	TemplateVersion     string        `json:"template_version"`
	DatapointKey        string        `json:"datapoint_key"`
	DatapointTitle      string        `json:"datapoint_title"`
	DatapointType       string        `json:"datapoint_type"`
	DisclosureReference string        `json:"disclosure_reference"`
	RequiresBaseline    bool          `json:"requires_baseline"`
	Query               string        `json:"query"`
	Chunks              []PromptChunk `json:"chunks"`
}

// Hash fingerprints the prompt over its canonical JSON.
func (p Prompt) Hash() (string, error) {
	hash, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return "", errkind.Wrap(errkind.Integrity, err, "prompt hash")
	}
	return hash, nil
}

// Query derives the retrieval query for a datapoint: title plus disclosure
// reference, nothing else. Keeping this a plain concatenation keeps the
// retrieval trace reproducible from the bundle alone.
func Query(dp bundle.Datapoint) string {
	if dp.Query != "" {
		return dp.Query
	}
	return strings.TrimSpace(dp.Title + " " + dp.DisclosureReference)
}

// BuildPrompt assembles the prompt for one datapoint from its ranked
// retrieval window.
func BuildPrompt(dp bundle.Datapoint, query string, chunks []PromptChunk) Prompt {
	return Prompt{
		TemplateVersion:     PromptTemplateVersion,
		DatapointKey:        dp.DatapointKey,
		DatapointTitle:      dp.Title,
		DatapointType:       string(dp.DatapointType),
		DisclosureReference: dp.DisclosureReference,
		RequiresBaseline:    dp.RequiresBaseline,
		Query:               query,
		Chunks:              chunks,
	}
}

// Provider is one extraction backend.
type Provider interface {
	// ID is the stable provider identity recorded in the run hash.
	ID() string
	// Extract answers one prompt. Implementations must be schema-strict:
	// a response missing required fields is an error, never a guess.
	Extract(ctx context.Context, prompt Prompt) (contracts.Extraction, error)
}

// GateEvidence enforces the pre-persistence evidence gate: a Present or
// Partial claim without citations drops to Absent with EVIDENCE_MISSING.
// The returned reason is empty when the gate passes.
func GateEvidence(e contracts.Extraction) (contracts.Extraction, contracts.FailureReason) {
	if e.Status != contracts.StatusPresent && e.Status != contracts.StatusPartial {
		return e, ""
	}
	if len(e.EvidenceChunkIDs) > 0 {
		return e, ""
	}
	e.Status = contracts.StatusAbsent
	e.Rationale = strings.TrimSpace(e.Rationale + " Downgraded: claim carried no evidence citations.")
	return e, contracts.ReasonEvidenceMissing
}
