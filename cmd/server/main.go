package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/calvora/tripscope/pkg/config"
	"github.com/calvora/tripscope/pkg/livetail"
	"github.com/calvora/tripscope/pkg/logging"
	"github.com/calvora/tripscope/pkg/logstore"
	"github.com/calvora/tripscope/pkg/metrics"
	"github.com/calvora/tripscope/pkg/middleware"
	"github.com/calvora/tripscope/pkg/server"
	"github.com/calvora/tripscope/pkg/tracing"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 15 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	start := time.Now()

	// Bootstrap logger: config and sinks are not up yet, so startup
	// failures go to stderr only.
	boot := logging.New(config.DefaultLogLevel)

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("configuration error, refusing to start")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		boot.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}
	store, err := logstore.Open(logstore.Config{
		Path:      cfg.DataDir,
		Retention: cfg.LogRetention,
	})
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to open log store")
	}
	defer store.Close()

	hub := livetail.NewHub(boot)
	logger := logging.New(cfg.LogLevel, store, hub)
	logger.Info().
		Str("service", cfg.ServiceName).
		Int("port", cfg.Port).
		Msg("starting tripscope server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	exporter := tracing.NewHTTPExporter(cfg.TraceEndpoint, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		exporter.Run(ctx)
	}()

	tracer := tracing.New(cfg.ServiceName, exporter, cfg.SpanTimeout, logger)

	registry := metrics.NewRegistry()
	chain, err := middleware.NewChain(registry, tracer, logger)
	if err != nil {
		// Duplicate metric registration is a configuration bug; serving
		// traffic with a broken registry is worse than not starting.
		logger.Fatal().Err(err).Msg("metric registration failed")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.RunGC(ctx)
	}()

	router := server.NewRouter(cfg, server.Deps{
		Logger:   logger,
		Registry: registry,
		Chain:    chain,
		LogStore: store,
		Hub:      hub,
		Start:    start,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("background tasks stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("background tasks did not stop in time")
	}

	logger.Info().Msg("server exited")
}
