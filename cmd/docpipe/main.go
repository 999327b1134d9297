// Package main is the entry point for the docpipe document delivery service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"docpipe/config"
	"docpipe/internal/app"
	"docpipe/internal/logging"
	"docpipe/internal/version"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "docpipe",
		Short:         "Progressive document delivery with a durable local cache",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: config.yaml or $DOCPIPE_CONFIG)")

	root.AddCommand(
		newServeCmd(&configPath),
		newFetchCmd(&configPath),
		newWarmCmd(&configPath),
		newCacheCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// setup loads configuration and installs the process logger.
func setup(configPath string) (*config.LoadResult, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Config.Logging.Format, cfg.Config.Logging.Level, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newApp builds the application and returns a shutdown func bounded by
// shutdownTimeout.
func newApp(ctx context.Context, configPath string) (*app.App, func(), error) {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, app.Config{AppConfig: cfg, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
	return a, shutdown, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			logger.Info("starting docpipe",
				"version", version.Version,
				"commit", version.Commit,
				"build_date", version.Date,
			)

			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, app.Config{AppConfig: cfg, Logger: logger})
			if err != nil {
				return err
			}

			// Handle graceful shutdown
			var shutdownErr error
			done := make(chan struct{})
			go func() {
				defer close(done)
				<-ctx.Done()
				logger.Info("shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				shutdownErr = a.Shutdown(shutdownCtx)
			}()

			startErr := a.Start(":" + cfg.Config.Server.Port)
			stop()
			<-done
			if startErr != nil {
				return startErr
			}
			return shutdownErr
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}
