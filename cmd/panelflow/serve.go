package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/polisai/panelflow/pkg/config"
	"github.com/polisai/panelflow/pkg/engine"
	"github.com/polisai/panelflow/pkg/events"
	"github.com/polisai/panelflow/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline API",
		Long: `Serve loads the pipeline file, watches it for changes, and exposes
pipeline runs, node completion notifications, the output store, metrics,
and the event stream over HTTP.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "Address to listen on; overrides server.address")
	cmd.Flags().String("pipeline", "", "Pipeline file to serve; overrides pipeline.file")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Address = listen
	}
	if file, _ := cmd.Flags().GetString("pipeline"); file != "" {
		cfg.Pipeline.File = file
	}
	if cfg.Pipeline.File == "" {
		return errors.New("no pipeline file configured: set pipeline.file or pass --pipeline")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.Server.Address, err)
	}
	logger.Info("Server listening", "addr", listener.Addr().String(), "pipeline_file", cfg.Pipeline.File)

	// Event streams end when baseCtx is cancelled at shutdown. WriteTimeout
	// stays zero so they are not cut off earlier.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	server := &http.Server{
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.registry.Watch(gctx, app.provider)
		return nil
	})
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		cancelStreams()
		return shutdown(server, app.registry, cfg.Server.ShutdownTimeout, logger)
	})

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// app is the wired API server without its listener.
type app struct {
	handler  http.Handler
	registry *engine.PipelineRegistry
	provider *config.FileSnapshotProvider
	comps    *components
	logger   *slog.Logger
}

// newApp wires the event bus, engine components, pipeline file watcher,
// registry, and API handler.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics := telemetry.NewMetrics()
	bus := events.NewBus(events.Config{
		BufferSize:  cfg.Events.BufferSize,
		HistorySize: cfg.Events.HistorySize,
		KeepAlive:   cfg.Events.KeepAlive,
		Metrics:     metrics,
		Logger:      logger,
	})

	comps, err := buildComponents(ctx, cfg, logger, bus)
	if err != nil {
		return nil, err
	}

	provider, err := config.NewFileSnapshotProvider(cfg.Pipeline.File, config.WithLogger(logger))
	if err != nil {
		_ = comps.Close()
		return nil, err
	}

	registry := engine.NewPipelineRegistry(comps.executor, logger)
	handler := engine.NewAPIHandler(engine.APIHandlerConfig{
		Registry: registry,
		Executor: comps.executor,
		Events:   bus.Handler(),
		Metrics:  metrics,
		Logger:   logger,
	})

	return &app{
		handler:  handler,
		registry: registry,
		provider: provider,
		comps:    comps,
		logger:   logger,
	}, nil
}

// Close stops the pipeline watcher and closes the summary store.
func (a *app) Close() {
	if err := a.provider.Close(); err != nil {
		a.logger.Error("Failed to close pipeline watcher", "error", err)
	}
	if err := a.comps.Close(); err != nil {
		a.logger.Error("Failed to close summary store", "error", err)
	}
}

// shutdown stops accepting requests, then stops active runs.
func shutdown(server *http.Server, registry *engine.PipelineRegistry, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("Shutting down")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	if err := registry.Shutdown(ctx); err != nil {
		logger.Warn("Runs still active at shutdown deadline", "error", err)
	}
	return nil
}
