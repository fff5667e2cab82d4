package provider

import (
	"context"
	"fmt"
)

// Completion is the result of a single completion call
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// CompletionProvider is an interface for LLM completion providers
type CompletionProvider interface {
	// Complete sends a system+user prompt pair and returns the completion
	Complete(ctx context.Context, system, user string) (*Completion, error)

	// SupportsStructuredReconciliation reports whether the provider can be
	// trusted to follow the structured AUDN reconciliation prompt. Providers
	// that return false degrade reconciliation to a novelty check.
	SupportsStructuredReconciliation() bool

	// HealthCheck reports whether the provider is reachable
	HealthCheck(ctx context.Context) bool

	// Provider returns the provider name
	Provider() string
}

// Config selects and configures a completion provider
type Config struct {
	Kind      string // anthropic, openai, ollama
	APIKey    string
	Model     string
	BaseURL   string // ollama only
	MaxTokens int
}

// New creates a completion provider from configuration
func New(cfg Config) (CompletionProvider, error) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}

	switch cfg.Kind {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Kind)
	}
}
