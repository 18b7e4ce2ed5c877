// Package llm abstracts the completion providers behind a single Client
// interface, with an OpenAI-compatible implementation, a Gemini
// implementation, and a bounded-retry wrapper for transient faults.
package llm

import (
	"context"
	"errors"
	"fmt"

	"vrlforge/internal/config"
)

// ErrExhausted is returned when a call fails after all retries. The
// controller treats it as fatal for the session.
var ErrExhausted = errors.New("llm retries exhausted")

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Model        string
}

// Client produces one completion per call.
type Client interface {
	// Complete sends prompt and returns the model's text response.
	Complete(ctx context.Context, prompt string) (string, Usage, error)
}

// NewClient builds the configured provider wrapped with retry.
func NewClient(cfg config.LLMConfig) (Client, error) {
	var inner Client
	switch cfg.Provider {
	case "openai":
		inner = newOpenAIClient(cfg)
	case "gemini":
		c, err := newGeminiClient(cfg)
		if err != nil {
			return nil, err
		}
		inner = c
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return WithRetry(inner, cfg.Retries), nil
}
