package engine

import "fmt"

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config selects and configures a backend.
type Config struct {
	Provider      string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OllamaBaseURL string
}

// New returns the Engine for cfg.Provider.
func New(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want %q or %q)", cfg.Provider, ProviderOpenAI, ProviderOllama)
	}
}
