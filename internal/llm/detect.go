package llm

import (
	"fmt"

	"github.com/kalambet/salesagent/internal/ollama"
)

// Provider names accepted by Detect.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// BackendConfig selects and configures one provider.
type BackendConfig struct {
	Provider   string
	Model      string
	EmbedModel string
	APIKey     string
	BaseURL    string
	MaxRetries int
}

// NewCompleter builds the Completer for cfg.Provider.
func NewCompleter(cfg BackendConfig) (Completer, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAI(OpenAIOptions{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, MaxRetries: cfg.MaxRetries}), nil
	case ProviderAnthropic:
		return NewAnthropic(AnthropicOptions{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, MaxRetries: cfg.MaxRetries}), nil
	case ProviderOllama:
		return NewOllama(ollama.New(cfg.BaseURL), cfg.Model, ""), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// NewEmbedder builds the Embedder for cfg.Provider. Anthropic has no
// embedding API and is rejected.
func NewEmbedder(cfg BackendConfig) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAI(OpenAIOptions{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, EmbedModel: cfg.EmbedModel, MaxRetries: cfg.MaxRetries}), nil
	case ProviderOllama:
		return NewOllama(ollama.New(cfg.BaseURL), "", cfg.EmbedModel), nil
	case ProviderAnthropic:
		return nil, fmt.Errorf("provider %q does not offer embeddings", cfg.Provider)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
