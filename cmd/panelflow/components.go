package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/panelflow/pkg/agent"
	"github.com/polisai/panelflow/pkg/config"
	"github.com/polisai/panelflow/pkg/engine"
	"github.com/polisai/panelflow/pkg/engine/runtime"
	"github.com/polisai/panelflow/pkg/storage"
	"github.com/polisai/panelflow/pkg/summarize"
	"github.com/polisai/panelflow/pkg/telemetry"
)

// components is the wired engine shared by every subcommand.
type components struct {
	metrics    *telemetry.Metrics
	store      storage.SummaryStore
	agent      *agent.Client
	summarizer *summarize.Summarizer
	executor   *engine.Executor
}

// buildComponents wires the agent client, summary store, summarizer, and
// executor from cfg. observer may be nil.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, observer runtime.Observer) (*components, error) {
	metrics := telemetry.NewMetrics()

	store, err := openSummaryStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	client, err := agent.NewClient(agent.Config{
		BaseURL:           cfg.Agent.BaseURL,
		Token:             cfg.Agent.Token,
		Timeout:           cfg.Agent.Timeout,
		MaxInputBytes:     cfg.Agent.MaxInputBytes,
		RequestsPerSecond: cfg.Agent.RequestsPerSecond,
		Burst:             cfg.Agent.Burst,
		Logger:            logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	summarizer := summarize.New(client, store, summarize.DirSource{MaxFileBytes: cfg.Summarizer.MaxFileBytes}, summarize.Config{
		ChunkBytes:      cfg.Summarizer.ChunkBytes,
		BatchSize:       cfg.Summarizer.BatchSize,
		BatchDelay:      cfg.Summarizer.BatchDelay,
		MaxRetries:      cfg.Summarizer.MaxRetries,
		RetryBackoff:    cfg.Summarizer.RetryBackoff,
		ReduceBatchSize: cfg.Summarizer.ReduceBatchSize,
		Logger:          logger,
		Metrics:         metrics,
	})

	executor := engine.NewExecutor(engine.ExecutorConfig{
		Invoker:         client,
		Summarizer:      summarizer,
		Observer:        observer,
		Logger:          logger,
		Metrics:         metrics,
		Redactions:      cfg.Telemetry.Redactions,
		RetryDelayFloor: cfg.Pipeline.RetryDelayFloor,
	})

	return &components{
		metrics:    metrics,
		store:      store,
		agent:      client,
		summarizer: summarizer,
		executor:   executor,
	}, nil
}

func (c *components) Close() error {
	return c.store.Close()
}

// openSummaryStore selects the summary cache backend.
func openSummaryStore(ctx context.Context, cfg config.StorageConfig) (storage.SummaryStore, error) {
	switch cfg.Driver {
	case "", config.StorageMemory:
		return storage.NewMemorySummaryStore(), nil
	case config.StorageFile:
		return storage.NewFileSummaryStore(cfg.Dir), nil
	case config.StoragePostgres:
		store, err := storage.OpenPostgresSummaryStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
