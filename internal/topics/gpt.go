package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/wingman/pkg/config"
	"go.uber.org/zap"
)

type gptResponse struct {
	Topics []string `json:"topics"`
}

// GPTExtractor asks a chat model for topics and falls back to keyword
// extraction when the model fails or answers with something unparsable.
type GPTExtractor struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	maxTopics   int
	fallback    *KeywordExtractor
	logger      *zap.Logger
}

func NewGPTExtractor(cfg config.OpenAIConfig, maxTopics int, logger *zap.Logger) *GPTExtractor {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &GPTExtractor{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxTopics:   maxTopics,
		fallback:    NewKeywordExtractor(maxTopics),
		logger:      logger,
	}
}

func (e *GPTExtractor) Extract(ctx context.Context, text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	prompt := fmt.Sprintf(`List the main topics of the following chat message.
Use short lowercase labels of one or two words, at most %d of them.

Return the response as a JSON object with this structure:
{
    "topics": ["topic1", "topic2", ...]
}

Message: %s`, e.maxTopics, text)

	resp, err := e.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: e.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   e.maxTokens,
			Temperature: float32(e.temperature),
		},
	)
	if err != nil {
		e.logger.Error("Failed to get GPT response", zap.Error(err))
		return e.fallback.Extract(ctx, text)
	}
	if len(resp.Choices) == 0 {
		e.logger.Warn("GPT response has no choices")
		return e.fallback.Extract(ctx, text)
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)
	var parsed gptResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		e.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", content))
		return e.fallback.Extract(ctx, text)
	}

	return limit(normalize(parsed.Topics), e.maxTopics)
}

// stripCodeFence removes a ```json fence some models wrap around JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalize(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
