package main

import (
	"context"
	"fmt"
	"time"

	"farsight/internal/config"
	"farsight/internal/courtesy"
	"farsight/internal/embedding"
	"farsight/internal/harvest"
	"farsight/internal/llm"
	"farsight/internal/research"
	"farsight/internal/retrieval"
	"farsight/internal/store"

	"go.uber.org/zap"
)

// app wires the research stack for one CLI invocation. Construction order
// matters only for the store, which everything else reads through.
type app struct {
	cfg       *config.Config
	store     *store.LocalStore
	scheduler *courtesy.Scheduler
	harvester *harvest.Harvester
	embedder  embedding.EmbeddingEngine
	retriever *retrieval.RetrievalEngine
	router    *llm.Router
	browser   *harvest.BrowserFetcher
	orch      *research.Orchestrator
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.NewLocalStore(resolvePath(cfg.Storage.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	router, err := llm.NewRouterFromConfig(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("configure language model router: %w", err)
	}

	embedder := embedding.NewEngineWithFallback(ctx, embeddingConfig(cfg))
	scheduler := courtesy.NewScheduler(courtesyConfig(cfg))
	harvester := harvest.NewHarvester(harvestConfig(cfg), scheduler)
	retriever := retrieval.NewRetrievalEngine(st, embedder, retrievalConfig(cfg))

	deps := research.Deps{
		Store:     st,
		LLM:       router,
		Harvester: harvester,
		Fetcher:   scheduler,
		Retriever: retriever,
		Embedder:  embedder,
	}

	var browser *harvest.BrowserFetcher
	if cfg.Browser.Enabled {
		browser = harvest.NewBrowserFetcher(harvest.BrowserConfig{
			Bin:               cfg.Browser.Bin,
			NavigationTimeout: cfg.GetNavigationTimeout(),
		})
		deps.Renderer = browser
	}

	logger.Debug("Research stack wired",
		zap.String("db", st.Path()),
		zap.String("embedder", embedder.Name()),
		zap.String("strategy", string(router.Strategy())),
		zap.Bool("browser", cfg.Browser.Enabled))

	return &app{
		cfg:       cfg,
		store:     st,
		scheduler: scheduler,
		harvester: harvester,
		embedder:  embedder,
		retriever: retriever,
		router:    router,
		browser:   browser,
		orch:      research.NewOrchestrator(research.ConfigFrom(cfg), deps),
	}, nil
}

func (a *app) Close() {
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			logger.Debug("Browser shutdown", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
}

// The config package keeps durations as YAML-friendly strings and seconds.
// These adapters translate one section each onto its subsystem's Config.

func courtesyConfig(cfg *config.Config) courtesy.Config {
	cc := courtesy.DefaultConfig()
	if cfg.Courtesy.MaxConcurrentFetches > 0 {
		cc.MaxConcurrentFetches = cfg.Courtesy.MaxConcurrentFetches
	}
	if cfg.Courtesy.MaxPerDomainFetches > 0 {
		cc.MaxPerDomainFetches = cfg.Courtesy.MaxPerDomainFetches
	}
	cc.MinDelay = cfg.MinDelay()
	cc.MaxDelay = cfg.MaxDelay()
	cc.BackoffBase = cfg.BackoffBase()
	cc.FetchTimeout = cfg.GetFetchTimeout()
	if cfg.Courtesy.FailureThreshold > 0 {
		cc.FailureThreshold = cfg.Courtesy.FailureThreshold
	}
	if cfg.Courtesy.CooldownSeconds > 0 {
		cc.Cooldown = time.Duration(cfg.Courtesy.CooldownSeconds) * time.Second
	}
	if cfg.Courtesy.MaxRetries > 0 {
		cc.MaxRetries = cfg.Courtesy.MaxRetries
	}
	if cfg.Courtesy.UserAgent != "" {
		cc.UserAgent = cfg.Courtesy.UserAgent
	}
	if cfg.Courtesy.MaxBodyBytes > 0 {
		cc.MaxBodyBytes = cfg.Courtesy.MaxBodyBytes
	}
	return cc
}

func harvestConfig(cfg *config.Config) harvest.Config {
	hc := harvest.DefaultConfig()
	if len(cfg.Search.Engines) > 0 {
		hc.Engines = cfg.Search.Engines
	}
	if cfg.Search.MaxResultsPerEngine > 0 {
		hc.MaxResultsPerEngine = cfg.Search.MaxResultsPerEngine
	}
	hc.CacheTTL = cfg.GetCacheTTL()
	hc.BlockedDomains = cfg.Search.BlockedDomains
	return hc
}

func retrievalConfig(cfg *config.Config) retrieval.Config {
	rc := retrieval.DefaultConfig()
	if cfg.Retrieval.KeywordWeight > 0 {
		rc.KeywordWeight = cfg.Retrieval.KeywordWeight
	}
	if cfg.Retrieval.SemanticWeight > 0 {
		rc.SemanticWeight = cfg.Retrieval.SemanticWeight
	}
	if cfg.Retrieval.TopK > 0 {
		rc.TopK = cfg.Retrieval.TopK
	}
	if cfg.Retrieval.MaxPerDomain > 0 {
		rc.PerDomainCap = cfg.Retrieval.MaxPerDomain
	}
	return rc
}

func embeddingConfig(cfg *config.Config) embedding.Config {
	ec := embedding.DefaultConfig()
	if cfg.Embedding.Provider != "" {
		ec.Provider = cfg.Embedding.Provider
	}
	if cfg.Embedding.Endpoint != "" {
		ec.Endpoint = cfg.Embedding.Endpoint
	}
	if cfg.Embedding.Model != "" {
		ec.Model = cfg.Embedding.Model
	}
	ec.APIKey = cfg.Embedding.APIKey
	if cfg.Embedding.Dimensions > 0 {
		ec.Dimensions = cfg.Embedding.Dimensions
	}
	return ec
}
