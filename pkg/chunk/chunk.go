// Package chunk splits extracted pages into fixed-rule chunks with
// content-derived stable IDs. Chunking never crosses page boundaries and is
// idempotent: identical bytes plus identical parameters produce identical
// chunk IDs.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// Default chunk geometry, in characters. Both values participate in the run
// fingerprint.
const (
	DefaultSize    = 800
	DefaultOverlap = 100
)

// Params is the chunking geometry for one ingestion.
type Params struct {
	Size    int `json:"size"`
	Overlap int `json:"overlap"`
}

// DefaultParams returns the default geometry.
func DefaultParams() Params {
	return Params{Size: DefaultSize, Overlap: DefaultOverlap}
}

func (p Params) validate() error {
	if p.Size <= 0 {
		return errkind.E(errkind.Validation, "chunk size must be > 0, got %d", p.Size)
	}
	if p.Overlap < 0 || p.Overlap >= p.Size {
		return errkind.E(errkind.Validation,
			"chunk overlap must be in [0, size), got %d for size %d", p.Overlap, p.Size)
	}
	return nil
}

// ID derives the stable chunk identifier:
// SHA-256(doc_hash ':' page ':' start ':' end).
func ID(docHash string, page, start, end int) string {
	seed := fmt.Sprintf("%s:%d:%d:%d", docHash, page, start, end)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Page splits one page deterministically into overlapping chunks, emitted
// in ascending start-offset order. An empty page yields a single empty
// chunk so the page remains addressable in citations and diagnostics.
func Page(docHash string, pageNumber int, text string, params Params) ([]contracts.Chunk, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	if text == "" {
		return []contracts.Chunk{{
			ChunkID:     ID(docHash, pageNumber, 0, 0),
			DocHash:     docHash,
			PageNumber:  pageNumber,
			StartOffset: 0,
			EndOffset:   0,
			Text:        "",
			TokenCount:  0,
		}}, nil
	}

	var chunks []contracts.Chunk
	step := params.Size - params.Overlap
	for start := 0; start < len(text); start += step {
		end := start + params.Size
		if end > len(text) {
			end = len(text)
		}
		part := text[start:end]
		chunks = append(chunks, contracts.Chunk{
			ChunkID:     ID(docHash, pageNumber, start, end),
			DocHash:     docHash,
			PageNumber:  pageNumber,
			StartOffset: start,
			EndOffset:   end,
			Text:        part,
			TokenCount:  tokenCount(part),
		})
		if end == len(text) {
			break
		}
	}
	return chunks, nil
}

// Document chunks all pages in page order.
func Document(pages []contracts.Page, params Params) ([]contracts.Chunk, error) {
	var all []contracts.Chunk
	for _, page := range pages {
		chunks, err := Page(page.DocHash, page.PageNumber, page.Text, params)
		if err != nil {
			return nil, err
		}
		all = append(all, chunks...)
	}
	return all, nil
}

func tokenCount(text string) int {
	return len(strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	}))
}
