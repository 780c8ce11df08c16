// Package retrieval ranks a company's chunk corpus against a datapoint
// query. Scoring is hybrid: a lexical term-hit ratio blended with cosine
// similarity over embeddings. Ranking is fully deterministic — score ties
// break on ascending chunk ID, never on map iteration or insertion order.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// Scoring policy constants. All of them participate in the recorded
// retrieval parameters and therefore in the run fingerprint.
const (
	PolicyVersion = "hybrid-v1"
	Normalization = "nfkc-casefold"

	DefaultTopK          = 8
	DefaultLexicalWeight = 0.6
	DefaultVectorWeight  = 0.4
)

// Embedder turns text into a vector. Implementations must be deterministic
// for identical input text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// Params configures one retrieval call.
type Params struct {
	TopK          int
	LexicalWeight float64
	VectorWeight  float64
}

// DefaultParams returns the standard hybrid policy.
func DefaultParams() Params {
	return Params{
		TopK:          DefaultTopK,
		LexicalWeight: DefaultLexicalWeight,
		VectorWeight:  DefaultVectorWeight,
	}
}

// Contract converts Params into the persisted retrieval-parameter record.
func (p Params) Contract() contracts.RetrievalParams {
	return contracts.RetrievalParams{
		TopK:          p.TopK,
		LexicalWeight: p.LexicalWeight,
		VectorWeight:  p.VectorWeight,
		Normalization: Normalization,
		PolicyVersion: PolicyVersion,
	}
}

// Engine ranks chunks. Vectors are optional: a chunk without an embedding
// scores zero on the vector component instead of being excluded.
type Engine struct {
	embedder Embedder
	params   Params
}

// NewEngine builds an engine with the given embedder and params.
func NewEngine(embedder Embedder, params Params) (*Engine, error) {
	if params.TopK <= 0 {
		return nil, errkind.E(errkind.Validation, "retrieval top_k must be > 0, got %d", params.TopK)
	}
	if params.LexicalWeight < 0 || params.VectorWeight < 0 {
		return nil, errkind.E(errkind.Validation, "retrieval weights must be >= 0")
	}
	return &Engine{embedder: embedder, params: params}, nil
}

// Params returns the engine's configured parameters.
func (e *Engine) Params() Params {
	return e.params
}

// Rank scores the corpus against the query and returns the top-K candidates
// in rank order. vectors maps chunk ID to its stored embedding; it may be
// nil when the corpus has not been embedded.
func (e *Engine) Rank(ctx context.Context, query string, corpus []contracts.Chunk, vectors map[string][]float64) ([]contracts.RetrievalCandidate, error) {
	terms := queryTerms(query)

	var queryVec []float64
	if e.embedder != nil && len(vectors) > 0 {
		vec, err := e.embedder.Embed(ctx, query)
		if err != nil {
			return nil, errkind.Wrap(errkind.Dependency, err, "embed query")
		}
		queryVec = vec
	}

	candidates := make([]contracts.RetrievalCandidate, 0, len(corpus))
	for _, chunk := range corpus {
		lexical := lexicalScore(terms, chunk.Text)
		vector := 0.0
		if queryVec != nil {
			if v, ok := vectors[chunk.ChunkID]; ok {
				vector = cosine(queryVec, v)
			}
		}
		combined := e.params.LexicalWeight*lexical + e.params.VectorWeight*vector
		candidates = append(candidates, contracts.RetrievalCandidate{
			ChunkID:       chunk.ChunkID,
			DocHash:       chunk.DocHash,
			PageNumber:    chunk.PageNumber,
			StartOffset:   chunk.StartOffset,
			EndOffset:     chunk.EndOffset,
			LexicalScore:  lexical,
			VectorScore:   vector,
			CombinedScore: combined,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CombinedScore != candidates[j].CombinedScore {
			return candidates[i].CombinedScore > candidates[j].CombinedScore
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})

	if len(candidates) > e.params.TopK {
		candidates = candidates[:e.params.TopK]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates, nil
}

// queryTerms normalizes and tokenizes a query. Duplicate terms are kept:
// the lexical score denominator is the raw term count.
func queryTerms(query string) []string {
	return strings.Fields(normalize(query))
}

// lexicalScore is the fraction of query terms present in the chunk text.
func lexicalScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := normalize(text)
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// cosine similarity, clamped to zero for mismatched or degenerate vectors.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
