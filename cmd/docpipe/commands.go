package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docpipe/internal/cache"
	"docpipe/internal/core"
	"docpipe/internal/orchestrator"
)

func newFetchCmd(configPath *string) *cobra.Command {
	var (
		outDir string
		page   int
		reload bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Load one document progressively and write its pages as JPEG files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, shutdown, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer shutdown()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			opts := []orchestrator.LoadOption{orchestrator.WithPage(page)}
			if reload {
				opts = append(opts, orchestrator.BypassCache())
			}
			w := &pageWriter{dir: outDir, out: cmd.OutOrStdout()}
			session := a.Orchestrator().Load(ctx, args[0], w.callbacks(), opts...)

			select {
			case <-session.Done():
			case <-ctx.Done():
				session.Cancel()
				return ctx.Err()
			}
			return w.result()
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for page-NNN.jpg files")
	cmd.Flags().IntVarP(&page, "page", "p", 0, "page to render and upgrade first (0-based)")
	cmd.Flags().BoolVar(&reload, "reload", false, "ignore the local cache and download again")
	return cmd
}

// pageWriter stores rendered pages on disk, replacing fast renders with
// high tier ones as they arrive.
type pageWriter struct {
	dir string
	out io.Writer

	mu  sync.Mutex
	err error
}

func (w *pageWriter) callbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnFirstPage: func(pages []core.RenderedPage, meta core.LoadMeta) {
			fmt.Fprintf(w.out, "first page ready (%d pages, from %s)\n", meta.PageCount, meta.Source)
			w.write(pages...)
		},
		OnAllPages: func(pages []core.RenderedPage, _ core.LoadMeta) {
			fmt.Fprintf(w.out, "all pages ready\n")
			w.write(pages...)
		},
		OnPageUpgraded: func(p core.RenderedPage, _ core.LoadMeta) {
			w.write(p)
		},
		OnComplete: func(meta core.LoadMeta) {
			fmt.Fprintf(w.out, "complete: %s token=%s\n", meta.DocumentID, meta.Token)
		},
		OnError: func(err error) {
			w.fail(err)
		},
	}
}

func (w *pageWriter) write(pages ...core.RenderedPage) {
	for _, p := range pages {
		name := filepath.Join(w.dir, fmt.Sprintf("page-%03d.jpg", p.Index+1))
		if err := os.WriteFile(name, p.Image, 0o644); err != nil {
			w.fail(fmt.Errorf("failed to write %s: %w", name, err))
			return
		}
	}
}

func (w *pageWriter) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *pageWriter) result() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// warmConcurrency bounds parallel downloads of the warm command.
const warmConcurrency = 4

func newWarmCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "warm <id>...",
		Short: "Download documents into the local cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, shutdown, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer shutdown()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			var errs []error

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(warmConcurrency)
			for _, id := range args {
				g.Go(func() error {
					fetched, err := a.Orchestrator().Prefetch(gctx, id)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err != nil:
						errs = append(errs, err)
						fmt.Fprintf(out, "%s: failed: %v\n", id, err)
					case fetched:
						fmt.Fprintf(out, "%s: fetched\n", id)
					default:
						fmt.Fprintf(out, "%s: already cached\n", id)
					}
					// One failed document does not stop the others
					return nil
				})
			}
			_ = g.Wait()
			return errors.Join(errs...)
		},
	}
}

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local document cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print cache usage as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCache(*configPath, func(ctx context.Context, c *cache.Manager) error {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(c.Stats(ctx))
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached document",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCache(*configPath, func(ctx context.Context, c *cache.Manager) error {
					n := c.Stats(ctx).ItemCount
					if err := c.Clear(ctx); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d documents\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

// withCache opens the configured cache without the origin or the server.
func withCache(configPath string, fn func(context.Context, *cache.Manager) error) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	res, err := cache.New(ctx, cfg.Config, logger)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer res.Close()
	return fn(ctx, res.Cache)
}
