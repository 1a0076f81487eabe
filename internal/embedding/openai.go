package embedding

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/wingman/pkg/config"
	"go.uber.org/zap"
)

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint. The
// default base URL points at a local Ollama server.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	logger    *zap.Logger
}

func NewOpenAIEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		logger:    logger,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		e.logger.Error("Failed to create embedding", zap.Error(err), zap.String("model", e.model))
		return nil, errors.Wrap(err, "error creating embedding")
	}
	if len(resp.Data) == 0 {
		return nil, errors.Errorf("model %s returned no embedding", e.model)
	}

	vec := resp.Data[0].Embedding
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, errors.Wrapf(ErrDimensionMismatch, "model %s returned %d dimensions, want %d", e.model, len(vec), e.dimension)
	}
	return vec, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimension
}
