// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

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
	"time"

	"github.com/trustmesh/subscriptiond/internal/entity"
	"github.com/trustmesh/subscriptiond/internal/metrics"
	"github.com/trustmesh/subscriptiond/internal/storage"
	"github.com/trustmesh/subscriptiond/internal/subscription"
	"github.com/trustmesh/subscriptiond/internal/transport"
	"github.com/trustmesh/subscriptiond/lib/clock"
	"github.com/trustmesh/subscriptiond/lib/config"
	"github.com/trustmesh/subscriptiond/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file (required)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("subscriptiond %s\n", version.Info())
		return nil
	}

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	repo, err := storage.OpenSQLite(cfg.Repository.Path, cfg.Repository.PoolSize, logger)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer repo.Close()

	// The trust-graph store itself is out of scope; Fixture stands in
	// as the producer side of the engine's locking contract until a
	// real trust-graph service is wired in as entity.Store.
	store := entity.NewFixture()

	metricsRegistry := metrics.New()

	engine := subscription.New(repo, nil, store, clk, metricsRegistry, logger, subscription.Config{
		ProcessDelay:            cfg.Engine.ProcessDelay,
		DisconnectAfterFailures: cfg.Engine.DisconnectAfterFailures,
	})
	store.SetSink(engine)

	transportServer := transport.NewServer(cfg.Transport.SocketPath, engine, clk, logger)
	engine.SetTransport(transportServer)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	transportDone := make(chan error, 1)
	go func() {
		transportDone <- transportServer.Serve(ctx)
	}()

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.ListenAddress,
		Handler: metricsRegistry.Handler(),
	}
	metricsDone := make(chan error, 1)
	go func() {
		err := metricsServer.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		metricsDone <- err
	}()

	logger.Info("subscriptiond running",
		"socket", cfg.Transport.SocketPath,
		"metrics", cfg.Metrics.ListenAddress,
		"repository", cfg.Repository.Path,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	if err := <-metricsDone; err != nil {
		logger.Error("metrics server error", "error", err)
	}

	if err := <-transportDone; err != nil {
		logger.Error("transport server error", "error", err)
	}

	if err := engine.Stop(); err != nil {
		logger.Error("engine stop error", "error", err)
	}

	return nil
}
