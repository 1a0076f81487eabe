package embedding

import (
	"context"

	"github.com/pkg/errors"
	"github.com/xaenox/wingman/pkg/config"
	"go.uber.org/zap"
)

// Embedder converts text to vector embeddings.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

var (
	// ErrEmptyText is returned for blank input; nothing is sent to the model.
	ErrEmptyText = errors.New("cannot embed empty text")
	// ErrDimensionMismatch is returned when the model answers with a vector
	// of the wrong size for the configured column.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// New builds the embedder selected by cfg.Provider. Model-backed embedders
// are wrapped in a CachedEmbedder when cfg.CacheSize is positive. It returns
// nil for the "none" provider; callers then store messages without
// embeddings.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	switch cfg.Provider {
	case config.EmbeddingOpenAI:
		client := NewOpenAIEmbedder(cfg, logger)
		if cfg.CacheSize <= 0 {
			return client, nil
		}
		cached, err := NewCachedEmbedder(client, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	case config.EmbeddingHash:
		return NewHashEmbedder(cfg.Dimension), nil
	case config.EmbeddingNone:
		return nil, nil
	default:
		return nil, errors.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
