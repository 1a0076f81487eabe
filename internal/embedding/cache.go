package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// CachedEmbedder memoizes vectors by text in front of another Embedder.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder keeps up to size vectors in memory.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error creating embedding cache")
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Close stops the cache's background goroutines.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
