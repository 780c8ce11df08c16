package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder is the offline embedder: a feature-hashing projection of
// normalized terms into a fixed-dimension unit vector. It needs no network,
// and identical text always produces the identical vector, which keeps
// replay exact.
type HashEmbedder struct {
	dim int
}

// HashEmbedderModel is the model identifier recorded with stored vectors.
const HashEmbedderModel = "hash-embed-v1"

// NewHashEmbedder builds a hashing embedder. dim <= 0 selects the default
// 256 dimensions.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Model() string {
	return HashEmbedderModel
}

// Embed projects each term into two hashed dimensions with a sign bit and
// L2-normalizes the result. The zero vector is returned for empty text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	for _, term := range queryTerms(text) {
		sum := sha256.Sum256([]byte(term))
		idx := int(binary.BigEndian.Uint32(sum[0:4])) % e.dim
		sign := 1.0
		if sum[4]&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var normSq float64
	for _, v := range vec {
		normSq += v * v
	}
	if normSq == 0 {
		return vec, nil
	}
	scale := 1 / math.Sqrt(normSq)
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
