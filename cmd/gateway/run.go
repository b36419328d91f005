package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/fulcrumhq/inferencegate/internal"
	"github.com/fulcrumhq/inferencegate/internal/auth"
	"github.com/fulcrumhq/inferencegate/internal/backend"
	"github.com/fulcrumhq/inferencegate/internal/batcher"
	"github.com/fulcrumhq/inferencegate/internal/cache"
	"github.com/fulcrumhq/inferencegate/internal/coalescer"
	"github.com/fulcrumhq/inferencegate/internal/config"
	"github.com/fulcrumhq/inferencegate/internal/ratelimit"
	"github.com/fulcrumhq/inferencegate/internal/router"
	"github.com/fulcrumhq/inferencegate/internal/server"
	"github.com/fulcrumhq/inferencegate/internal/telemetry"
	"github.com/fulcrumhq/inferencegate/internal/worker"
)

const (
	healthProbeInterval = 15 * time.Second
	janitorInterval     = 10 * time.Minute
)

func run() error {
	cfg := config.Load()

	slog.Info("api keys configured", "count", len(cfg.Auth.APIKeys))

	chatBackend, rt := buildBackend(cfg)

	batch := batcher.New(chatBackend, batcher.Config{
		Enabled:      cfg.Batch.Enabled,
		MaxBatchSize: cfg.Batch.MaxBatchSize,
		MaxWait:      cfg.Batch.MaxWait,
	}, slog.Default())

	authRegistry := auth.NewRegistry(cfg.Auth.APIKeys, cfg.Auth.Policy)
	limiter := ratelimit.NewLimiter(nil)

	responseCache, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.TTL)
	if err != nil {
		return err
	}

	join := coalescer.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(reg)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	handler := server.New(server.Deps{
		Auth:           authRegistry,
		Limiter:        limiter,
		Cache:          responseCache,
		Coalescer:      join,
		Backend:        batch,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     func(ctx context.Context) error { return nil },
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	runner := worker.NewRunner(
		batch,
		worker.NewHealthProber(rt, healthProbeInterval),
		worker.NewJanitor(limiter, janitorInterval),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("gateway ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Workers are cancelled only after the listener drains, so no handler
	// is still waiting on the batcher. A health probe still in flight is
	// cancelled with them; run waits for every worker to return.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	slog.Info("gateway stopped")
	return nil
}

// buildBackend wires either a real OpenAI-compatible backend or a pair of
// mock backends (when no provider API key is configured) behind a router,
// returning both the router-as-backend and the router itself so callers
// can drive health probes against it directly.
func buildBackend(cfg config.Config) (gateway.Backend, *router.Router) {
	if cfg.Provider.APIKey == "" {
		slog.Warn("no provider API key configured; serving mock backends")
		rt := router.New(backend.Named("mock-a"), backend.Named("mock-b"))
		return rt, rt
	}

	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	client := backend.NewOpenAICompatible("openai", cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Timeout, resolver)
	rt := router.New(client)
	return rt, rt
}
