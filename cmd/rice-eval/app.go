package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/judging"
	"github.com/ricesearch/rice-eval/internal/metrics"
	"github.com/ricesearch/rice-eval/internal/observability"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/scheduler"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/taskstore"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   taskstore.Store
	bus     bus.Bus
	pool    *search.Pool
	metrics *metrics.Metrics
	tracing *observability.TracerProvider
	mgr     *scheduler.Manager
}

// appOptions selects the optional collaborators a command needs.
type appOptions struct {
	// events publishes task lifecycle events on the configured bus.
	events bool
	// tracing honours observability.tracing_enabled.
	tracing bool
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return cfg, logger.New(level, cfg.Log.Format), nil
}

// openApp wires the store, search pool, judging client and scheduler. The
// caller must call close.
func openApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	a.store, err = taskstore.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	log.Debug("Opened task store", "type", cfg.Store.Type)

	if opts.events {
		inner, err := bus.NewBus(cfg.Bus, log)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		a.bus = bus.NewInstrumentedBus(inner, a.metrics)
		log.Info("Event bus ready", "type", cfg.Bus.Type)
	}

	if opts.tracing && cfg.Observability.TracingEnabled {
		a.tracing, err = observability.NewTracerProvider("rice-eval", version, os.Stderr)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
	}

	timeout := time.Duration(cfg.Search.TimeoutSeconds) * time.Second
	a.pool = search.NewPool(search.EndpointOpener(cfg.Search.Endpoint, timeout))

	var judge *judging.Client
	if cfg.Judge.BaseURL != "" {
		judge = judging.New(judging.Config{
			BaseURL:   cfg.Judge.BaseURL,
			APIKey:    cfg.Judge.APIKey,
			RateLimit: cfg.Judge.RateLimit,
			Burst:     cfg.Judge.Burst,
			Timeout:   time.Duration(cfg.Judge.TimeoutSeconds) * time.Second,
		})
	}

	a.mgr, err = scheduler.New(scheduler.Options{
		Store:        a.store,
		Pool:         a.pool,
		Judge:        judge,
		Bus:          a.bus,
		Metrics:      a.metrics,
		Eval:         cfg.Eval,
		PollInterval: cfg.PollInterval(),
		SpoolGrace:   scheduler.DefaultSpoolGrace,
		Logger:       log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close searchers")
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close event bus")
		}
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("Failed to flush traces")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close task store")
		}
	}
}
