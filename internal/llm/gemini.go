package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"vrlforge/internal/config"
)

// geminiClient speaks the Gemini API via the official genai SDK.
type geminiClient struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float32
}

func newGeminiClient(cfg config.LLMConfig) (*geminiClient, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &geminiClient{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (c *geminiClient) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	temp := c.temperature
	gcfg := &genai.GenerateContentConfig{
		Temperature: &temp,
	}
	if c.maxTokens > 0 {
		gcfg.MaxOutputTokens = int32(c.maxTokens)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), gcfg)
	if err != nil {
		return "", Usage{}, fmt.Errorf("gemini completion: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", Usage{}, fmt.Errorf("gemini completion: empty response")
	}

	usage := Usage{Model: c.model}
	if md := result.UsageMetadata; md != nil {
		usage.InputTokens = int(md.PromptTokenCount)
		usage.OutputTokens = int(md.CandidatesTokenCount)
	}
	return text, usage, nil
}
