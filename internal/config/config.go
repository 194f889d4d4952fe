// Package config resolves runtime settings from defaults, the JSON config
// file, an optional .env file and INBOXRAG_* environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Pipeline PipelineConfig
	Gmail    GmailConfig
	LLM      LLMConfig
	Ollama   OllamaConfig
	Storage  StorageConfig
	Server   ServerConfig
	Poller   PollerConfig
	Log      LogConfig
}

type PipelineConfig struct {
	BatchSize    int
	TopK         int
	ExcerptChars int
	Workers      int
}

type GmailConfig struct {
	InboxLabel   string
	RepliedLabel string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

type LLMConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	ChatModel   string
	EmbedModel  string
	Temperature float64
	MaxTokens   int
}

type OllamaConfig struct {
	BaseURL string
}

type StorageConfig struct {
	// DatabaseURL selects Postgres when set; otherwise SQLite in DataDir.
	DatabaseURL string
	DataDir     string
	MaxConns    int
}

type ServerConfig struct {
	Port  int
	Token string
}

type PollerConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Pipeline: PipelineConfig{
			BatchSize:    5,
			TopK:         5,
			ExcerptChars: 1500,
			Workers:      1,
		},
		Gmail: GmailConfig{
			InboxLabel:   "ai-mvp",
			RepliedLabel: "AI_PROCESSED",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			ChatModel:   "gpt-4o-mini",
			EmbedModel:  "text-embedding-3-small",
			Temperature: 0.2,
			MaxTokens:   500,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Storage: StorageConfig{
			DataDir:  defaultDataDir(),
			MaxConns: 3,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Poller: PollerConfig{
			Interval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the JSON file at ConfigFilePath, then ".env" in the working
// directory, then the environment. Variables already set in the environment
// win over .env entries. Load does not validate; call Validate before
// talking to the mail provider.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), ".env")
}

func loadWith(b ConfigBackend, dotenvPath string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", dotenvPath, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Validate reports every setting a batch run needs but lacks.
func (c Config) Validate() error {
	var missing []string
	if c.Gmail.ClientID == "" {
		missing = append(missing, "INBOXRAG_GMAIL_CLIENT_ID")
	}
	if c.Gmail.ClientSecret == "" {
		missing = append(missing, "INBOXRAG_GMAIL_CLIENT_SECRET")
	}
	if c.Gmail.RefreshToken == "" {
		missing = append(missing, "INBOXRAG_GMAIL_REFRESH_TOKEN")
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		missing = append(missing, "INBOXRAG_OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.TopK <= 0 {
		return fmt.Errorf("pipeline.top_k must be positive, got %d", c.Pipeline.TopK)
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("llm.provider must be openai or ollama, got %q", c.LLM.Provider)
	}
	return nil
}

// SlogLevel maps log.level to a slog level. Unknown values select info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
