package runtime

import (
	"context"
	"fmt"
	"log"

	sourcecache "cmdforge/internal/cache/source"
	"cmdforge/internal/events"
	"cmdforge/internal/gateway/config"
	"cmdforge/internal/history"
	"cmdforge/internal/llm"
	"cmdforge/internal/pipeline"
	"cmdforge/internal/reasoning"
	"cmdforge/internal/registry"
	"cmdforge/internal/sandbox"
	"cmdforge/internal/scan"
	"cmdforge/internal/service"
)

// App is the runtime kernel shared by the gateway and the CLI. It owns every
// long-lived component and closes them in reverse order.
type App struct {
	Config   *config.Config
	Scanner  *scan.Scanner
	Sandbox  *sandbox.Runner
	Pipeline *pipeline.Orchestrator
	Registry *registry.Registry
	Sources  *sourcecache.CachedStore
	History  *history.Log
	Events   *events.Bus
	Service  *service.Service

	closers []func() error
}

// Options lets callers swap the LLM clients, mainly for tests.
type Options struct {
	Reasoner  llm.LLMClient
	Generator llm.LLMClient
	Logger    *log.Logger
}

func New(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Scanner, err = scan.New(cfg.Scan); err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	if a.Sandbox, err = sandbox.New(sandbox.Options{
		Limits:        cfg.Sandbox.Limits(),
		ScratchRoot:   cfg.Sandbox.ScratchRoot,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Logger:        logger,
	}); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	stores, err := initStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, stores.registry.Close)
	a.Sources = stores.sources

	if a.History, err = history.Open(cfg.History.Path); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	a.closers = append(a.closers, a.History.Close)

	reasoner, generator := opts.Reasoner, opts.Generator
	llmCfg := llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		RPS:      cfg.LLM.RPS,
		Burst:    cfg.LLM.Burst,
	}
	if reasoner == nil {
		// A layer is never retried.
		if reasoner, err = llm.New(ctx, llmCfg, logger); err != nil {
			return nil, fmt.Errorf("reasoning client: %w", err)
		}
		a.closers = append(a.closers, reasoner.Close)
	}
	if generator == nil {
		genCfg := llmCfg
		genCfg.Retries = cfg.LLM.Retries
		if generator, err = llm.New(ctx, genCfg, logger); err != nil {
			return nil, fmt.Errorf("generator client: %w", err)
		}
		a.closers = append(a.closers, generator.Close)
	}

	a.Events = events.NewBus(0)
	a.closers = append(a.closers, func() error { a.Events.Close(); return nil })

	a.Pipeline = pipeline.New(pipeline.Deps{
		Scanner:     a.Scanner,
		Reasoner:    reasoning.New(reasoner, reasoning.Options{Timeout: cfg.LLMTimeout(), Logger: logger}),
		Sandbox:     a.Sandbox,
		Policy:      pipeline.Policy{Strict: cfg.Validation.StrictMode, MinScore: cfg.Validation.MinScore},
		Observer:    a.Events,
		ScanTimeout: cfg.ScanTimeout(),
		Logger:      logger,
	})
	a.Registry = registry.New(stores.registry, stores.sources, a.History)
	a.Registry.SetLogger(logger)

	if a.Service, err = service.New(service.Deps{
		Pipeline:  a.Pipeline,
		Registry:  a.Registry,
		History:   a.History,
		Events:    a.Events,
		Scanner:   a.Scanner,
		Sandbox:   a.Sandbox,
		Generator: generator,
		Workers:   cfg.Workers.Count,
		QueueSize: cfg.Workers.QueueSize,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.Service.Close(); return nil })
	return a, nil
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
