package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/inboxrag/internal/config"
	"github.com/kalambet/inboxrag/internal/dispatch"
	"github.com/kalambet/inboxrag/internal/engine"
	"github.com/kalambet/inboxrag/internal/gmail"
	"github.com/kalambet/inboxrag/internal/pipeline"
	"github.com/kalambet/inboxrag/internal/retrieval"
	"github.com/kalambet/inboxrag/internal/storage"
)

// app holds the long-lived collaborators shared by serve, run and import.
type app struct {
	cfg       config.Config
	store     storage.MessageStore
	engine    engine.Engine
	indexer   *retrieval.Indexer
	retriever *retrieval.Retriever
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

// openApp opens storage and the inference backend. It does not touch the
// mail provider, so commands that only read local data work without Gmail
// credentials.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	eng, err := engine.New(engine.Config{
		Provider:      cfg.LLM.Provider,
		OpenAIBaseURL: cfg.LLM.BaseURL,
		OpenAIAPIKey:  cfg.LLM.APIKey,
		OllamaBaseURL: cfg.Ollama.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	store, vectors, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	embedder := retrieval.NewEmbedder(eng, cfg.LLM.EmbedModel)
	return &app{
		cfg:       cfg,
		store:     store,
		engine:    eng,
		indexer:   retrieval.NewIndexer(embedder, vectors),
		retriever: retrieval.NewRetriever(embedder, vectors, cfg.Pipeline.ExcerptChars),
	}, nil
}

// openStorage selects Postgres when a database URL is configured and the
// SQLite file in the data directory otherwise.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.MessageStore, retrieval.VectorStore, error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		slog.Info("storage ready", "backend", "postgres")
		return pg, retrieval.NewPGVectorStore(pg.Gorm()), nil
	}

	s, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	slog.Info("storage ready", "backend", "sqlite", "data_dir", cfg.DataDir)
	return s, retrieval.NewSQLiteStore(s.DB()), nil
}

// processor connects to Gmail and assembles the batch pipeline. Token
// refreshes outlive ctx so in-flight messages can finish after a shutdown
// signal.
func (a *app) processor(ctx context.Context) (*pipeline.Processor, error) {
	gm, err := gmail.New(context.WithoutCancel(ctx), gmail.Config{
		ClientID:     a.cfg.Gmail.ClientID,
		ClientSecret: a.cfg.Gmail.ClientSecret,
		RefreshToken: a.cfg.Gmail.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to gmail: %w", err)
	}

	replier := dispatch.New(gm, a.store, a.cfg.Gmail.RepliedLabel)
	return pipeline.New(gm, a.store, a.indexer, a.retriever, a.engine, replier, pipeline.Options{
		BatchSize:   a.cfg.Pipeline.BatchSize,
		TopK:        a.cfg.Pipeline.TopK,
		Workers:     a.cfg.Pipeline.Workers,
		ChatModel:   a.cfg.LLM.ChatModel,
		Temperature: a.cfg.LLM.Temperature,
		MaxTokens:   a.cfg.LLM.MaxTokens,
	}), nil
}

// ensureEngine fails when the inference backend is unreachable and pulls
// missing local models.
func (a *app) ensureEngine(ctx context.Context) error {
	return engine.EnsureReady(ctx, a.engine, a.cfg.LLM.ChatModel, a.cfg.LLM.EmbedModel, os.Stderr)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}
