package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"vrlforge/internal/config"
)

// openaiClient speaks the OpenAI chat completion API. With BaseURL set it
// also covers OpenAI-compatible proxies such as LiteLLM.
type openaiClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func newOpenAIClient(cfg config.LLMConfig) *openaiClient {
	var client *openai.Client
	if cfg.BaseURL != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		oc.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(oc)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}
	return &openaiClient{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (c *openaiClient) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("openai completion: empty choices")
	}
	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        c.model,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
