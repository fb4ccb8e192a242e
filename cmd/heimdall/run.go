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

	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/auth"
	"github.com/eugener/heimdall/internal/config"
	"github.com/eugener/heimdall/internal/queue"
	"github.com/eugener/heimdall/internal/ratelimit"
	"github.com/eugener/heimdall/internal/server"
	"github.com/eugener/heimdall/internal/storage/postgres"
	"github.com/eugener/heimdall/internal/telemetry"
	"github.com/eugener/heimdall/internal/upstream"
	"github.com/eugener/heimdall/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})))

	slog.Info("starting heimdall", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Open database and apply migrations
	store, err := postgres.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	// Seed the default organization on first run
	if err := config.Bootstrap(ctx, store); err != nil {
		return err
	}

	// Wire services
	resolver, err := auth.NewCredentialResolver(store, cfg.Auth.BootstrapKey)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenIssuer(cfg.Auth.Secret)

	// Rate limiting: Redis coordinates buckets across instances; without it
	// each process keeps its own buckets and a janitor sweeps the idle ones.
	var limiter server.Limiter
	var janitor *worker.BucketJanitor
	if cfg.Redis.URL != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.Redis.URL, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		if err != nil {
			return err
		}
		defer rl.Close()
		if err := rl.Ping(ctx); err != nil {
			slog.Warn("redis unreachable at startup, limiter will fail open", "error", err)
		}
		limiter = rl
	} else {
		slog.Info("redis not configured, using in-process rate limiter")
		ll := ratelimit.NewLocalLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		limiter = ll
		janitor = worker.NewBucketJanitor(ll)
	}

	quota := ratelimit.NewQuotaGuard(store)

	// Metrics are always collected; the toggle only gates the /metrics route.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(reg)
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if cfg.Telemetry.Tracing.Enabled {
		stopTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stopTracing(flushCtx); err != nil {
				slog.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	q := queue.New(cfg.Queue.MaxSize)
	client := upstream.New(cfg.Upstream.URL, cfg.Upstream.Timeout)
	dispatcher := worker.NewDispatcher(q, client, cfg.Upstream.MaxConcurrency, metrics)

	pool := []worker.Worker{dispatcher}
	if janitor != nil {
		pool = append(pool, janitor)
	}
	runner := worker.NewRunner(pool...)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- runner.Run(workerCtx)
	}()

	keys := app.NewKeyManager(store, resolver)
	users := app.NewUserManager(store, store, tokens)

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           resolver,
		Sessions:       tokens,
		Keys:           keys,
		Users:          users,
		Store:          store,
		Queue:          q,
		Limiter:        limiter,
		Quota:          quota,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		RequestTimeout: cfg.Server.RequestTimeout,
		DisplayModel:   cfg.Server.DisplayModelName,
		AdminOrigin:    cfg.Server.AdminOrigin,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// A zero WriteTimeout leaves streamed responses without a deadline.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("heimdall ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErrCh:
		return err
	}

	// Stop accepting requests first, then wind down the dispatcher so queued
	// jobs drain before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stopWorkers()
	if err := <-workerErrCh; err != nil {
		return err
	}

	slog.Info("heimdall stopped")
	return nil
}
