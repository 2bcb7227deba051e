// Package main provides the entry point for the feedsync daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/txn2/feedsync/pkg/platform"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	watch       bool
	showVersion bool
}

func parseFlags(args []string) (serverOptions, error) {
	opts := serverOptions{}
	fs := flag.NewFlagSet("feedsync", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.address, "address", "", "Listen address, overrides server.address")
	fs.BoolVar(&opts.watch, "watch", true, "Reload feed tunables when the config file changes")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// loadConfig reads the config file, or builds the defaults plus environment
// overrides when no file is given.
func loadConfig(opts serverOptions) (*platform.Config, error) {
	var (
		cfg *platform.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = platform.LoadConfig(opts.configPath)
	} else {
		cfg, err = platform.ParseConfig(nil)
	}
	if err != nil {
		return nil, err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	return cfg, nil
}

func newLogger(cfg platform.LogConfig, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("feedsync version %s\n", platform.Version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	p, err := platform.New(platform.WithConfig(cfg), platform.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, p, opts, logger)
}

func serve(ctx context.Context, p *platform.Platform, opts serverOptions, logger *slog.Logger) error {
	cfg := p.Config()
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           p.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if opts.watch && opts.configPath != "" {
		g.Go(func() error {
			err := platform.NewConfigWatcher(opts.configPath, p.ApplyConfig, logger).Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("feedsync stopped")
	return nil
}
