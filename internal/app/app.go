// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the docpipe server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"docpipe/config"
	"docpipe/internal/cache"
	"docpipe/internal/fetcher"
	"docpipe/internal/httpclient"
	"docpipe/internal/loader"
	"docpipe/internal/orchestrator"
	"docpipe/internal/prefetch"
	"docpipe/internal/render"
	"docpipe/internal/server"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	logger   *slog.Logger
	cache    *cache.Result
	orch     *orchestrator.Orchestrator
	prefetch *prefetch.Scheduler
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration produced by
	// config.Load.
	AppConfig *config.LoadResult

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	appCfg := cfg.AppConfig.Config
	logger := cfg.Logger

	app := &App{
		config: appCfg,
		logger: logger,
	}

	clientCfg := httpclient.ConfigFromSeconds(appCfg.HTTP.Timeout, appCfg.HTTP.ResponseHeaderTimeout)
	origin, err := fetcher.New(httpclient.NewHTTPClient(&clientCfg), fetcher.Config{
		BaseURL:         appCfg.Origin.URL,
		Token:           appCfg.Origin.Token,
		MetadataMode:    appCfg.Origin.MetadataMode,
		MaxBodyBytes:    appCfg.Origin.MaxBodyBytes,
		BreakerFailures: appCfg.Origin.BreakerFailures,
		BreakerCooldown: appCfg.Origin.BreakerCooldown,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize origin fetcher: %w", err)
	}

	cacheResult, err := cache.New(ctx, appCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	app.cache = cacheResult

	renderer := render.New(render.Config{
		Fast:          render.TierSpec{MaxWidth: appCfg.Render.FastMaxWidth, Quality: appCfg.Render.FastQuality},
		High:          render.TierSpec{MaxWidth: appCfg.Render.HighMaxWidth, Quality: appCfg.Render.HighQuality},
		MaxConcurrent: int64(appCfg.Render.MaxConcurrent),
		Logger:        logger,
	})
	ld := loader.New(renderer, loader.Config{
		UpgradeMode:      loader.UpgradeMode(appCfg.Loader.UpgradeMode),
		UpgradeRadius:    appCfg.Loader.UpgradeRadius,
		SettleDelay:      appCfg.Loader.SettleDelay,
		FirstPageTimeout: appCfg.Loader.FirstPageTimeout,
		Logger:           logger,
	})
	app.orch = orchestrator.New(cacheResult.Cache, origin, ld, orchestrator.Config{Logger: logger})
	app.prefetch = prefetch.New(app.orch, prefetch.Config{
		Count:  appCfg.Prefetch.Count,
		Delays: appCfg.Prefetch.Delays,
		Rate:   appCfg.Prefetch.Rate,
		Burst:  appCfg.Prefetch.Burst,
		Logger: logger,
	})

	app.logStartupInfo(cfg.AppConfig.Path)

	var scheduler server.Scheduler = app.prefetch
	if !appCfg.Prefetch.Enabled {
		scheduler = disabledPrefetch{}
	}
	handler := server.NewHandler(server.HandlerConfig{
		Documents: app.orch,
		Prefetch:  scheduler,
		Cache:     cacheResult.Cache,
		Health:    cacheResult.Health,
		Logger:    logger,
	})
	app.server = server.New(handler, &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
	})

	return app, nil
}

// disabledPrefetch schedules nothing.
type disabledPrefetch struct{}

func (disabledPrefetch) Schedule([]string, int, int) int { return 0 }

// Orchestrator returns the document load orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Prefetch returns the prefetch scheduler.
func (a *App) Prefetch() *prefetch.Scheduler {
	return a.prefetch
}

// Cache returns the local document cache.
func (a *App) Cache() *cache.Manager {
	if a.cache == nil {
		return nil
	}
	return a.cache.Cache
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Prefetch scheduler stop (cancels pending warm-ups).
// 3. Orchestrator close (cancels loads, waits for cache write-backs).
// 4. Cache close (releases the store and its database connection).
//
// Shutdown is idempotent and safe for repeated calls; after the first call, subsequent calls are no-ops.
// It attempts every close step, aggregates failures, and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Stop prefetching before the loads it feeds
	if a.prefetch != nil {
		a.prefetch.Stop()
	}

	// 3. Cancel loads and drain pending cache writes
	if a.orch != nil {
		if err := a.orch.Close(); err != nil {
			a.logger.Error("orchestrator close error", "error", err)
			errs = append(errs, fmt.Errorf("orchestrator close: %w", err))
		}
	}

	// 4. Close the cache last; write-backs above may still use it
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	a.logger.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(configPath string) {
	cfg := a.config

	if configPath != "" {
		a.logger.Info("configuration loaded", "path", configPath)
	}

	// Security warnings
	if cfg.Server.MasterKey == "" {
		a.logger.Warn("SECURITY WARNING: DOCPIPE_MASTER_KEY not set - API running without authentication",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set DOCPIPE_MASTER_KEY environment variable to secure the API")
	} else {
		a.logger.Info("authentication enabled", "mode", "master_key")
	}

	a.logger.Info("origin configured",
		"url", cfg.Origin.URL,
		"metadata_mode", cfg.Origin.MetadataMode,
	)

	stats := a.cache.Cache.Stats(context.Background())
	a.logger.Info("cache configured",
		"backend", stats.Backend,
		"items", stats.ItemCount,
		"bytes", stats.TotalBytes,
		"max_items", stats.MaxItems,
		"max_bytes", stats.MaxBytes,
	)

	a.logger.Info("loader configured",
		"upgrade_mode", cfg.Loader.UpgradeMode,
		"first_page_timeout", cfg.Loader.FirstPageTimeout,
	)

	if cfg.Prefetch.Enabled {
		a.logger.Info("prefetch enabled", "count", cfg.Prefetch.Count, "rate", cfg.Prefetch.Rate)
	} else {
		a.logger.Info("prefetch disabled")
	}

	// Metrics configuration
	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}
}
