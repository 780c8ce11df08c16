package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]any{"q": "a<b>&c"}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(b))
}

func TestCanonicalBytes_PreservesAuthoredNumbers(t *testing.T) {
	// Integers carry no trailing zeros; authored decimals survive unchanged.
	raw := []byte(`{"b": 10, "a": 0.250, "c": 3.14}`)

	b, err := CanonicalBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":0.250,"b":10,"c":3.14}`, string(b))
}

func TestCanonicalBytes_RoundTrip(t *testing.T) {
	raw := []byte(`{"regime":"CSRD_ESRS","obligations":[{"obligation_code":"ESRS-E1"}],"version":"2026.01"}`)

	once, err := CanonicalBytes(raw)
	require.NoError(t, err)
	twice, err := CanonicalBytes(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

// The hand-rolled canonical form must agree with the reference RFC 8785
// transformer for string-and-integer documents. (Float formatting is the
// one place the implementations may differ; fingerprint payloads only ever
// carry authored json.Number forms.)
func TestJCS_AgreesWithReferenceTransform(t *testing.T) {
	raw := []byte(`{"z":"last","a":{"nested":[1,2,3],"k":"v"},"m":true,"n":null}`)

	ours, err := CanonicalBytes(raw)
	require.NoError(t, err)
	theirs, err := jcs.Transform(raw)
	require.NoError(t, err)
	assert.Equal(t, string(theirs), string(ours))
}

func TestCanonicalHash_Stability(t *testing.T) {
	payload := map[string]any{
		"document_hashes": []string{"ab01", "cd02"},
		"compiler_mode":   "registry",
	}

	h1, err := CanonicalHash(payload)
	require.NoError(t, err)
	h2, err := CanonicalHash(payload)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalHash_InsertionOrderIndependent(t *testing.T) {
	a := map[string]any{"x": 1, "y": "two", "z": []any{"a", "b"}}
	b := map[string]any{"z": []any{"a", "b"}, "y": "two", "x": 1}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestJCS_StructTagsHonored(t *testing.T) {
	type ref struct {
		BundleID string `json:"bundle_id"`
		Version  string `json:"version"`
		Checksum string `json:"checksum,omitempty"`
	}
	b, err := JCS(ref{BundleID: "esrs_mini", Version: "2026.01"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "esrs_mini", m["bundle_id"])
	_, hasChecksum := m["checksum"]
	assert.False(t, hasChecksum)
}
