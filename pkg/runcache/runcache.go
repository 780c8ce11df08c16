// Package runcache keys completed run outputs by the canonical run hash.
// A cache hit short-circuits the whole pipeline: stored assessments,
// coverage, and manifest are returned verbatim with no provider calls.
// Entries are write-once; the first completed run for a hash wins.
package runcache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/canonicalize"
	"github.com/regtrace/regtrace/pkg/chunk"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// Inputs are the complete determinants of a run's output. Anything that can
// change an assessment must be in here; anything that cannot must not be.
type Inputs struct {
	DocumentHashes        []string                  `json:"document_hashes"`
	CompanyProfile        contracts.Company         `json:"company_profile_snapshot"`
	MaterialitySnapshot   map[string]bool           `json:"materiality_snapshot"`
	BundleRefs            []bundle.Ref              `json:"bundle_refs"`
	CompilerMode          string                    `json:"compiler_mode"`
	ChunkParams           chunk.Params              `json:"chunk_params"`
	RetrievalParams       contracts.RetrievalParams `json:"retrieval_params"`
	EmbeddingModel        string                    `json:"embedding_model"`
	ProviderIdentity      string                    `json:"provider_identity"`
	PromptTemplateVersion string                    `json:"prompt_template_version"`
	CodeVersion           string                    `json:"code_version"`
}

// Hash computes the run hash over canonical JSON. Document hashes and
// bundle refs are sorted first so input ordering can never split the cache.
func Hash(in Inputs) (string, error) {
	docs := append([]string(nil), in.DocumentHashes...)
	sort.Strings(docs)
	in.DocumentHashes = docs

	refs := append([]bundle.Ref(nil), in.BundleRefs...)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].BundleID != refs[j].BundleID {
			return refs[i].BundleID < refs[j].BundleID
		}
		return refs[i].Version < refs[j].Version
	})
	in.BundleRefs = refs

	// CreatedAt is not an input; zero it so profile snapshots taken at
	// different times with identical content hash identically.
	in.CompanyProfile.CreatedAt = time.Time{}

	// An absent snapshot and an empty one mean the same thing: every topic
	// is material.
	if in.MaterialitySnapshot == nil {
		in.MaterialitySnapshot = map[string]bool{}
	}

	hash, err := canonicalize.CanonicalHash(in)
	if err != nil {
		return "", errkind.Wrap(errkind.Integrity, err, "run hash")
	}
	return hash, nil
}

// Entry is one cached run output.
type Entry struct {
	RunHash     string          `json:"run_hash"`
	RunID       string          `json:"run_id"`
	Manifest    json.RawMessage `json:"manifest"`
	Assessments json.RawMessage `json:"assessments"`
	Coverage    json.RawMessage `json:"coverage"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Backend stores cache entries. Put is write-once: storing a hash that
// already exists is a silent no-op, never an overwrite.
type Backend interface {
	Get(ctx context.Context, runHash string) (*Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
}
