package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// Secrets are only read from the environment (or .env), never from the
// config file.
var specs = []keySpec{
	{
		key: "pipeline.batch_size", typ: kInt, env: "INBOXRAG_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.BatchSize },
	},
	{
		key: "pipeline.top_k", typ: kInt, env: "INBOXRAG_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.TopK },
	},
	{
		key: "pipeline.excerpt_chars", typ: kInt, env: "INBOXRAG_EXCERPT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ExcerptChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ExcerptChars },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "INBOXRAG_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "gmail.inbox_label", typ: kString, env: "INBOXRAG_GMAIL_LABEL_INBOX",
		apply:   func(cfg *Config, v any) { cfg.Gmail.InboxLabel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gmail.InboxLabel },
	},
	{
		key: "gmail.replied_label", typ: kString, env: "INBOXRAG_GMAIL_LABEL_REPLIED",
		apply:   func(cfg *Config, v any) { cfg.Gmail.RepliedLabel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gmail.RepliedLabel },
	},
	{
		key: "gmail.client_id", typ: kString, env: "INBOXRAG_GMAIL_CLIENT_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gmail.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Gmail.ClientID },
	},
	{
		key: "gmail.client_secret", typ: kString, env: "INBOXRAG_GMAIL_CLIENT_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gmail.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Gmail.ClientSecret },
	},
	{
		key: "gmail.refresh_token", typ: kString, env: "INBOXRAG_GMAIL_REFRESH_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gmail.RefreshToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Gmail.RefreshToken },
	},
	{
		key: "llm.provider", typ: kString, env: "INBOXRAG_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "INBOXRAG_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "INBOXRAG_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.chat_model", typ: kString, env: "INBOXRAG_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "INBOXRAG_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "INBOXRAG_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "INBOXRAG_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "ollama.base_url", typ: kString, env: "INBOXRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "storage.database_url", typ: kString, env: "INBOXRAG_DATABASE_URL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DatabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DatabaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INBOXRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.max_conns", typ: kInt, env: "INBOXRAG_STORAGE_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Storage.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.MaxConns },
	},
	{
		key: "server.port", typ: kInt, env: "INBOXRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "INBOXRAG_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "poller.interval", typ: kDuration, env: "INBOXRAG_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poller.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poller.Interval },
	},
	{
		key: "log.level", typ: kString, env: "INBOXRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (v == "" && s.typ != kString) {
			continue
		}
		parsed, err := parseValue(s.typ, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			continue
		}
		s.apply(cfg, parsed)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
