// Command demo is a small illustrative program that exercises the
// evaluation engine end-to-end: it registers a couple of toy node
// builders, runs an initial update, watches a file for changes via
// fsnotify, and re-runs the update whenever the file is touched.
//
// It is not a general-purpose CLI — deliberately out of scope per
// SPEC_FULL.md — just enough option parsing via the standard flag
// package to point it at a file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vk/skygraph/internal/ctxlog"
	"github.com/vk/skygraph/internal/engine"
	"github.com/vk/skygraph/internal/eval"
	"github.com/vk/skygraph/internal/metrics"
	"github.com/vk/skygraph/internal/nodekey"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	watchPath := fs.String("watch", "", "file to watch for changes; triggers a re-update when touched")
	listenAddr := fs.String("metrics-addr", ":9090", "address to serve /metrics on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	filePath := *watchPath
	if filePath == "" {
		filePath = "greeting.txt"
	}

	registry := eval.NewRegistry()
	registerDemoBuilders(registry, filePath)

	eng := engine.New(registry, recorder)

	root := nodekey.New("greeting", "world")
	ctx = ctxlog.WithLogger(ctx, slog.Default().With("pass", uuid.NewString()))

	if err := runUpdate(ctx, eng, root); err != nil {
		return err
	}

	srv := &http.Server{Addr: *listenAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		slog.Info("serving metrics", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	defer srv.Close()

	if *watchPath == "" {
		return nil
	}
	return watchAndReupdate(ctx, eng, *watchPath, root)
}

func runUpdate(ctx context.Context, eng *engine.Engine, root nodekey.Key) error {
	ctx = ctxlog.WithLogger(ctx, slog.Default().With("pass", uuid.NewString()))
	result, err := eng.Update(ctx, []nodekey.Key{root}, true, 4)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	outcome := result.Roots[root]
	switch {
	case outcome.Err != nil:
		slog.Error("root errored", "key", root, "error", outcome.Err)
	default:
		slog.Info("root evaluated", "key", root, "value", outcome.Value)
	}
	return nil
}

// watchAndReupdate wires fsnotify to the engine's invalidation API: every
// write to path invalidates the node keyed on it, then re-runs the update
// so downstream builders that requested its contents recompute.
func watchAndReupdate(ctx context.Context, eng *engine.Engine, path string, root nodekey.Key) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	fileKey := nodekey.New("file", path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			slog.Info("detected change, invalidating", "path", path)
			eng.Invalidate([]nodekey.Key{fileKey})
			if err := runUpdate(ctx, eng, root); err != nil {
				slog.Error("re-update failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)
		case <-sigCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
