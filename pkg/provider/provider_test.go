package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

func samplePrompt() Prompt {
	return BuildPrompt(bundle.Datapoint{
		DatapointKey:        "ESRS-E1-6",
		Title:               "Gross GHG emissions",
		DisclosureReference: "E1-6",
		DatapointType:       contracts.DatapointMetric,
		RequiresBaseline:    true,
	}, "Gross GHG emissions E1-6", []PromptChunk{
		{ChunkID: "c1", Text: "scope 1 emissions 42000 tCO2e"},
	})
}

func TestQuery_TitlePlusReference(t *testing.T) {
	dp := bundle.Datapoint{Title: "Transition plan", DisclosureReference: "E1-1"}
	assert.Equal(t, "Transition plan E1-1", Query(dp))

	dp.Query = "custom retrieval query"
	assert.Equal(t, "custom retrieval query", Query(dp))
}

func TestPromptHash_StableAndSensitive(t *testing.T) {
	a, err := samplePrompt().Hash()
	require.NoError(t, err)
	b, err := samplePrompt().Hash()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	changed := samplePrompt()
	changed.Chunks[0].Text = "different evidence"
	c, err := changed.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFallback_FixedAbsent(t *testing.T) {
	f := NewFallback()
	assert.Equal(t, "deterministic-fallback", f.ID())

	got, err := f.Extract(context.Background(), samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAbsent, got.Status)
	assert.Equal(t, FallbackRationale, got.Rationale)
	assert.Empty(t, got.EvidenceChunkIDs)
}

func TestGateEvidence(t *testing.T) {
	gated, reason := GateEvidence(contracts.Extraction{
		Status:    contracts.StatusPresent,
		Rationale: "claimed",
	})
	assert.Equal(t, contracts.StatusAbsent, gated.Status)
	assert.Equal(t, contracts.ReasonEvidenceMissing, reason)

	passed, reason := GateEvidence(contracts.Extraction{
		Status:           contracts.StatusPresent,
		EvidenceChunkIDs: []string{"c1"},
	})
	assert.Equal(t, contracts.StatusPresent, passed.Status)
	assert.Empty(t, reason)

	absent, reason := GateEvidence(contracts.Extraction{Status: contracts.StatusAbsent})
	assert.Equal(t, contracts.StatusAbsent, absent.Status)
	assert.Empty(t, reason)
}

func chatEnvelope(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(raw)
}

func TestHTTPProvider_ValidResponse(t *testing.T) {
	var gotRequest chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		_, _ = w.Write([]byte(chatEnvelope(`{
			"status": "Present",
			"value": "42000",
			"unit": "tCO2e",
			"year": 2025,
			"evidence_chunk_ids": ["c1"],
			"rationale": "stated in evidence",
			"vendor_extra": "ignored"
		}`)))
	}))
	defer server.Close()

	p := NewHTTPProvider(HTTPConfig{ProviderID: "openai:gpt-test", BaseURL: server.URL, Model: "gpt-test"})
	got, err := p.Extract(context.Background(), samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPresent, got.Status)
	require.NotNil(t, got.Value)
	assert.Equal(t, "42000", *got.Value)
	assert.Equal(t, []string{"c1"}, got.EvidenceChunkIDs)

	// Temperature is pinned to zero.
	assert.Zero(t, gotRequest.Temperature)
}

func TestHTTPProvider_SchemaViolationFailsLoudly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Missing required rationale + unknown status value.
		_, _ = w.Write([]byte(chatEnvelope(`{"status": "Maybe", "evidence_chunk_ids": []}`)))
	}))
	defer server.Close()

	p := NewHTTPProvider(HTTPConfig{ProviderID: "openai:gpt-test", BaseURL: server.URL, Retries: 3})
	_, err := p.Extract(context.Background(), samplePrompt())
	require.Error(t, err)
	assert.Equal(t, errkind.ProviderSchema, errkind.KindOf(err))
}

func TestHTTPProvider_RetriesTransportThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(chatEnvelope(`{"status": "Absent", "evidence_chunk_ids": [], "rationale": "not found"}`)))
	}))
	defer server.Close()

	p := NewHTTPProvider(HTTPConfig{ProviderID: "openai:gpt-test", BaseURL: server.URL, Retries: 2})
	got, err := p.Extract(context.Background(), samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAbsent, got.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPProvider_NoRetryOnValidResponse(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(chatEnvelope(`{"status": "Absent", "evidence_chunk_ids": [], "rationale": "not found"}`)))
	}))
	defer server.Close()

	p := NewHTTPProvider(HTTPConfig{ProviderID: "openai:gpt-test", BaseURL: server.URL, Retries: 5})
	_, err := p.Extract(context.Background(), samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_ExhaustedRetriesIsDependencyError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewHTTPProvider(HTTPConfig{ProviderID: "openai:gpt-test", BaseURL: server.URL, Retries: 1})
	_, err := p.Extract(context.Background(), samplePrompt())
	require.Error(t, err)
	assert.Equal(t, errkind.Dependency, errkind.KindOf(err))
}

func TestParseExtraction_NeedsReviewRejected(t *testing.T) {
	// Needs-Review is verifier-injected; providers may not emit it.
	_, err := parseExtraction(`{"status": "Needs-Review", "evidence_chunk_ids": [], "rationale": "x"}`)
	require.Error(t, err)
	assert.Equal(t, errkind.ProviderSchema, errkind.KindOf(err))
}
