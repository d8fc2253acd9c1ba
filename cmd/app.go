package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"codequery/internal/chunker"
	"codequery/internal/chunker/languages"
	"codequery/internal/config"
	"codequery/internal/embed"
	"codequery/internal/index"
	"codequery/internal/query"
	"codequery/internal/vectorstore"
	"codequery/internal/walker"
)

// app is the shared wiring behind every command: config, logger, store,
// embedding pipeline, chunker, reconcile manager, and retrieval engine.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    vectorstore.Store
	provider embed.Provider
	chunker  *chunker.Chunker
	walker   *walker.Walker
	manager  *index.Manager
	engine   *query.Engine
}

func buildApp(ctx context.Context, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	provider, err := embed.Build(embed.Options{
		Provider:          cfg.Embedding.Provider,
		Model:             cfg.Embedding.Model,
		APIKey:            cfg.Embedding.APIKey,
		BaseURL:           cfg.Embedding.BaseURL,
		Dimension:         cfg.Embedding.Dimension,
		BatchSize:         cfg.Embedding.BatchSize,
		MaxBatchTokens:    cfg.Embedding.MaxBatchTokens,
		Concurrency:       cfg.Embedding.Concurrency,
		RequestsPerMinute: cfg.Embedding.RequestsPerMinute,
		MaxRetries:        cfg.Embedding.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	storeOpts := vectorstore.Options{
		Backend:    cfg.Vector.Backend,
		Path:       cfg.DBPath(),
		Host:       cfg.Vector.Host,
		Port:       cfg.Vector.Port,
		Collection: cfg.Vector.Collection,
		Dimension:  provider.Dimension(),
	}
	if storeOpts.Backend == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(storeOpts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}
	store, err := vectorstore.Open(ctx, storeOpts)
	if err != nil {
		return nil, err
	}

	reg := chunker.NewRegistry()
	languages.RegisterAll(reg)
	ch := chunker.New(reg, log)
	wk := walker.New(walker.Options{IgnoreTests: cfg.Index.IgnoreTests})

	mgr := index.NewManager(store, provider, ch, wk, log, index.Config{
		Workers:    cfg.Index.Workers,
		MaxRetries: cfg.Index.MaxRetries,
		RetryDelay: cfg.Index.RetryDelay,
	})
	engine := query.NewEngine(store, provider, ch, cfg.Paths.Roots, log)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		provider: provider,
		chunker:  ch,
		walker:   wk,
		manager:  mgr,
		engine:   engine,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "error", err)
	}
}

func (a *app) completer() (query.Completer, error) {
	provider := a.cfg.LLM.Provider
	if provider == "openai" && a.cfg.LLM.APIKey == "" {
		provider = "none"
	}
	return query.NewCompleter(query.CompleterOptions{
		Provider:    provider,
		Model:       a.cfg.LLM.Model,
		APIKey:      a.cfg.LLM.APIKey,
		BaseURL:     a.cfg.LLM.BaseURL,
		Temperature: a.cfg.LLM.Temperature,
	})
}
