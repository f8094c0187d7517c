package llm

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/keiri-ai/be-invoice-approval/internal/config"
)

// NewFromConfig builds the configured provider, optionally wrapped in a
// circuit breaker. Backends are interchangeable behind the Provider
// interface.
func NewFromConfig(cfg config.LLMConfig, log zerolog.Logger) (Provider, error) {
	var (
		provider Provider
		err      error
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "azure":
		provider, err = NewOpenAIProvider(OpenAIConfig{
			APIKey:   cfg.OpenAI.APIKey,
			BaseURL:  cfg.OpenAI.BaseURL,
			Model:    cfg.OpenAI.Model,
			UseAzure: cfg.OpenAI.UseAzure,
		}, log)
	case "anthropic":
		provider, err = NewAnthropicProvider(AnthropicConfig{
			APIKey: cfg.Anthropic.APIKey,
			Model:  cfg.Anthropic.Model,
		}, log)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.BreakerEnabled {
		provider = NewBreakerProvider(provider, cfg.BreakerTimeout, log)
	}
	return provider, nil
}
