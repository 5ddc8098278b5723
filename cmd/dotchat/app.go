package main

import (
	"context"
	"fmt"

	"github.com/dotsetgreg/dotchat/pkg/agent"
	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/generation"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/metrics"
	"github.com/dotsetgreg/dotchat/pkg/prompts"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/ratelimit"
)

// app is the assembled chat pipeline shared by every command.
type app struct {
	cfg        *config.Config
	store      *memory.SQLiteStore
	metrics    *metrics.Metrics
	bus        *bus.MessageBus
	summarizer *memory.Summarizer
	cache      *memory.SummaryCache
	loop       *agent.ChatLoop
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	logger.Init(logger.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	return cfg, nil
}

func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return nil, fmt.Errorf("provider configuration: %w", err)
	}

	templates, err := prompts.Load(cfg.Chat.SummaryPromptFile, cfg.Chat.ChatPromptFile)
	if err != nil {
		return nil, err
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	limiter, err := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxCalls, cfg.RateLimitPeriod())
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics()
	gateway := generation.NewGateway(provider, limiter, generation.Options{
		Timeout:     cfg.GenerationTimeout(),
		MaxTokens:   cfg.Agents.Defaults.MaxTokens,
		Temperature: cfg.Agents.Defaults.Temperature,
		Metrics:     m,
	})

	store, err := memory.NewSQLiteStore(cfg.StoragePath())
	if err != nil {
		return nil, err
	}

	summarizer := memory.NewSummarizer(gateway, cfg.SummaryModel(), templates.Summary)
	cache := memory.NewSummaryCache(store, summarizer)
	msgBus := bus.NewMessageBus()
	loop := agent.NewChatLoop(store, summarizer, agent.NewContextBuilder(templates.Chat), gateway, agent.LoopOptions{
		Model:      cfg.Agents.Defaults.Model,
		WindowSize: cfg.Chat.WindowSize,
		Metrics:    m,
		Bus:        msgBus,
		Cache:      cache,
	})

	logger.InfoCF("app", "Chat pipeline ready", map[string]interface{}{
		"provider":      providers.ActiveProviderName(cfg),
		"model":         cfg.Agents.Defaults.Model,
		"summary_model": cfg.SummaryModel(),
		"window_size":   cfg.Chat.WindowSize,
		"storage":       cfg.StoragePath(),
		"rate_limit":    fmt.Sprintf("%d/%s", limiter.MaxCalls(), limiter.Period()),
	})

	return &app{
		cfg:        cfg,
		store:      store,
		metrics:    m,
		bus:        msgBus,
		summarizer: summarizer,
		cache:      cache,
		loop:       loop,
	}, nil
}

// regenerateDigest refreshes the cached digest and records the outcome.
func (a *app) regenerateDigest(ctx context.Context) (string, error) {
	summary, err := a.cache.Regenerate(ctx)
	if err != nil {
		a.metrics.RecordSummaryRegeneration("error")
		return "", err
	}
	a.metrics.RecordSummaryRegeneration("success")
	return summary, nil
}

func (a *app) Close() error {
	a.bus.Close()
	return a.store.Close()
}
