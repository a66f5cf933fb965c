// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/tally/internal/config"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Provider returns the provider name (e.g., "openai").
	Provider() string
}

// New builds the client selected by cfg.Provider.
func New(cfg config.ReasoningConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(OpenAIOptions{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			StripParams: cfg.StripParams,
			Timeout:     timeout,
		}, logger), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL, timeout, logger), nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
}

// toolNames returns the names of tools, in order.
func toolNames(tools []ToolDef) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}
