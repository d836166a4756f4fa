// Package triage asks an LLM to explain why a run failed, from the failing
// stages' statuses and log tails.
package triage

import (
	"context"
	"fmt"
	"strings"
)

const (
	instructions     = "You triage CI pipeline failures for the engineers who own the build. Answer in plain text without markdown."
	maxSummaryTokens = 512
)

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a prompt to the model and returns the text response.
	Generate(ctx context.Context, model string, prompt string) (string, error)

	// Name returns the adapter's identifier.
	Name() string

	// DefaultModel is used when no model is configured.
	DefaultModel() string
}

// ProviderConfig selects and authenticates a provider.
type ProviderConfig struct {
	Provider string
	APIKey   string
	// BaseURL points the OpenAI adapter at a compatible endpoint.
	BaseURL string
}

// NewAdapter builds the adapter for cfg.Provider.
func NewAdapter(cfg ProviderConfig) (Adapter, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropicAdapter(cfg.APIKey)
	case "openai":
		return NewOpenAIAdapter(cfg.APIKey, cfg.BaseURL)
	case "google", "gemini":
		return NewGoogleAdapter(cfg.APIKey)
	case "mock":
		return NewMockAdapter(), nil
	case "":
		return nil, fmt.Errorf("triage provider is required")
	default:
		return nil, fmt.Errorf("unknown triage provider %q", cfg.Provider)
	}
}
