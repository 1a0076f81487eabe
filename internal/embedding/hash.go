package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder derives a deterministic unit vector from a hash of the text.
// It needs no model server and is meant for local development and tests;
// similar texts do not get similar vectors.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	hasher := fnv.New64a()
	hasher.Write([]byte(text))
	seed := hasher.Sum64()

	vec := make([]float32, h.dimension)
	var norm float64
	for i := range vec {
		// LCG step, mapped to [-1, 1]
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm == 0 {
		return vec, nil
	}

	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (h *HashEmbedder) Dimensions() int {
	return h.dimension
}
