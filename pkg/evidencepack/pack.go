// Package evidencepack assembles the byte-stable evidence archive for a
// completed run: manifest, assessments, cited evidence, compiled plan,
// coverage matrix, and the source document bytes. Two runs with identical
// outputs produce bit-identical archives.
package evidencepack

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/canonicalize"
	"github.com/regtrace/regtrace/pkg/chunk"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// zipEpoch is the fixed timestamp on every archive entry.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Manifest is the run fingerprint record written as manifest.json. It
// carries no run identifier: run IDs are assigned per execution, and two
// runs with the same run hash must produce identical archive bytes.
type Manifest struct {
	RunHash               string                    `json:"run_hash"`
	PlanHash              string                    `json:"plan_hash"`
	DocumentHashes        []string                  `json:"document_hashes"`
	CompanyID             string                    `json:"company_id"`
	MaterialitySnapshot   map[string]bool           `json:"materiality_snapshot"`
	BundleRefs            []bundle.Ref              `json:"bundle_refs"`
	CompilerMode          string                    `json:"compiler_mode"`
	ChunkParams           chunk.Params              `json:"chunk_params"`
	RetrievalParams       contracts.RetrievalParams `json:"retrieval_params"`
	EmbeddingModel        string                    `json:"embedding_model"`
	ProviderIdentity      string                    `json:"provider_identity"`
	PromptTemplateVersion string                    `json:"prompt_template_version"`
	ReportTemplateVersion string                    `json:"report_template_version"`
	CodeVersion           string                    `json:"code_version"`
	GitSHA                string                    `json:"git_sha"`
	PackFiles             []PackFileRef             `json:"pack_files"`
}

// PackFileRef fingerprints one archive entry inside the manifest.
type PackFileRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// File is one archive entry.
type File struct {
	Path    string
	Content []byte
}

// Pack is a fully assembled archive, entries already in lexicographic
// order.
type Pack struct {
	Files []File
}

// Input carries everything the packager needs. Assessments must already be
// in plan order; Documents maps doc hash to the exact stored bytes.
type Input struct {
	Manifest     Manifest
	CompiledPlan json.RawMessage
	Assessments  []contracts.Assessment
	Evidence     []contracts.Chunk
	Coverage     json.RawMessage
	Documents    map[string][]byte
}

// Build assembles the pack. Each document's bytes are re-hashed; any
// mismatch against its declared hash fails the packaging with INTEGRITY.
func Build(in Input) (*Pack, error) {
	var files []File

	// Archived lines identify by datapoint key only; the per-execution run
	// ID would make replayed runs diverge byte-wise from their originals.
	archived := append([]contracts.Assessment(nil), in.Assessments...)
	for i := range archived {
		archived[i].RunID = ""
	}
	assessments, err := jsonl(archived)
	if err != nil {
		return nil, err
	}
	files = append(files, File{Path: "assessments.jsonl", Content: assessments})

	evidence := append([]contracts.Chunk(nil), in.Evidence...)
	sort.Slice(evidence, func(i, j int) bool { return evidence[i].ChunkID < evidence[j].ChunkID })
	evidenceLines, err := jsonl(evidence)
	if err != nil {
		return nil, err
	}
	files = append(files, File{Path: "evidence.jsonl", Content: evidenceLines})

	plan, err := canonicalize.CanonicalBytes(in.CompiledPlan)
	if err != nil {
		return nil, errkind.Wrap(errkind.Integrity, err, "canonicalize compiled plan")
	}
	files = append(files, File{Path: "compiled_plan.json", Content: plan})

	coverageJSON, err := canonicalize.CanonicalBytes(in.Coverage)
	if err != nil {
		return nil, errkind.Wrap(errkind.Integrity, err, "canonicalize coverage matrix")
	}
	files = append(files, File{Path: "coverage_matrix.json", Content: coverageJSON})

	docHashes := make([]string, 0, len(in.Documents))
	for docHash := range in.Documents {
		docHashes = append(docHashes, docHash)
	}
	sort.Strings(docHashes)
	for _, docHash := range docHashes {
		content := in.Documents[docHash]
		if got := canonicalize.HashBytes(content); got != docHash {
			return nil, errkind.E(errkind.Integrity,
				"document %s re-hashed to %s during packaging", docHash, got)
		}
		files = append(files, File{Path: "documents/" + docHash, Content: content})
	}

	manifest := in.Manifest
	if manifest.MaterialitySnapshot == nil {
		manifest.MaterialitySnapshot = map[string]bool{}
	}
	manifest.PackFiles = make([]PackFileRef, 0, len(files))
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		manifest.PackFiles = append(manifest.PackFiles, PackFileRef{
			Path:   f.Path,
			SHA256: canonicalize.HashBytes(f.Content),
		})
	}
	manifestJSON, err := canonicalize.JCS(manifest)
	if err != nil {
		return nil, errkind.Wrap(errkind.Integrity, err, "canonicalize manifest")
	}
	files = append(files, File{Path: "manifest.json", Content: manifestJSON})

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return &Pack{Files: files}, nil
}

// WriteZip writes the archive with normalized metadata: lexicographic
// entry order, fixed 1980-01-01 timestamps, no compression. The output is
// a pure function of the entry contents.
func (p *Pack) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, f := range p.Files {
		header := &zip.FileHeader{
			Name:     f.Path,
			Method:   zip.Store,
			Modified: zipEpoch,
		}
		header.SetMode(0o644)
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return errkind.Wrap(errkind.Dependency, err, "create archive entry %s", f.Path)
		}
		if _, err := entry.Write(f.Content); err != nil {
			return errkind.Wrap(errkind.Dependency, err, "write archive entry %s", f.Path)
		}
	}
	return zw.Close()
}

// Bytes renders the archive in memory.
func (p *Pack) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.WriteZip(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EntryInfo is one row of the archive preview.
type EntryInfo struct {
	Path   string `json:"path"`
	Size   int    `json:"size"`
	SHA256 string `json:"sha256"`
}

// Preview lists the archive entries without serializing the zip.
func (p *Pack) Preview() []EntryInfo {
	out := make([]EntryInfo, 0, len(p.Files))
	for _, f := range p.Files {
		out = append(out, EntryInfo{
			Path:   f.Path,
			Size:   len(f.Content),
			SHA256: canonicalize.HashBytes(f.Content),
		})
	}
	return out
}

// jsonl renders records as canonical JSON lines, one record per line, in
// the given order.
func jsonl[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	for _, record := range records {
		line, err := canonicalize.JCS(record)
		if err != nil {
			return nil, errkind.Wrap(errkind.Integrity, err, "encode jsonl record")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
