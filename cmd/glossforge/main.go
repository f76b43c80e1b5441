package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	gfhttp "github.com/Strob0t/glossforge/internal/adapter/http"
	gfnats "github.com/Strob0t/glossforge/internal/adapter/nats"
	"github.com/Strob0t/glossforge/internal/adapter/natskv"
	gfotel "github.com/Strob0t/glossforge/internal/adapter/otel"
	"github.com/Strob0t/glossforge/internal/adapter/postgres"
	"github.com/Strob0t/glossforge/internal/adapter/ristretto"
	"github.com/Strob0t/glossforge/internal/adapter/tiered"
	"github.com/Strob0t/glossforge/internal/adapter/ws"
	"github.com/Strob0t/glossforge/internal/config"
	"github.com/Strob0t/glossforge/internal/logger"
	"github.com/Strob0t/glossforge/internal/port/cache"
	"github.com/Strob0t/glossforge/internal/port/llm"
	"github.com/Strob0t/glossforge/internal/resilience"
	"github.com/Strob0t/glossforge/internal/service"
	"github.com/Strob0t/glossforge/internal/workpool"
)

// l1Expire bounds how long an entry promoted from the shared cache stays in memory.
const l1Expire = 10 * time.Minute

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closer.Close()

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOtel, err := gfotel.Setup(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := gfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	glossaryStore := postgres.NewGlossaryStore(pool)
	runStore := postgres.NewRunStore(pool)

	var queue *gfnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = gfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				slog.Warn("nats drain", "error", err)
			}
		}()
		slog.Info("nats connected", "url", cfg.NATS.URL)
	} else {
		slog.Info("nats disabled, cancellation is process-local")
	}

	// --- LLM Gateway ---

	backend, err := llm.New(cfg.LLM.Provider, llm.Config{
		URL:     cfg.LLM.URL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("llm backend: %w", err)
	}

	gateway := service.NewGateway(backend, cfg.LLM)
	gateway.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	gateway.SetPool(workpool.NewPool(cfg.LLM.MaxConcurrent))
	gateway.SetMetrics(metrics)

	if cfg.Cache.Enabled {
		completions, closeCache, err := openCache(ctx, cfg.Cache, queue)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		defer closeCache()
		gateway.SetCache(completions, cfg.Cache.L2TTL)
	}

	// --- Services ---

	executor := service.NewExecutor(glossaryStore, gateway, cfg.Runs.StageWorkers, service.DefaultStages()...)
	executor.SetMetrics(metrics)

	stream := service.NewEventStream(cfg.Stream.BufferSize, cfg.Stream.Retention)
	stream.SetHistoryLoader(runStore.LoadEvents)
	stream.SetMetrics(metrics)
	defer stream.Close()

	hub := ws.NewHub()

	runs := service.NewRunService(executor, stream, cfg.Runs)
	runs.SetStore(runStore)
	runs.SetBroadcaster(hub)
	runs.SetMetrics(metrics)
	if queue != nil {
		runs.SetQueue(queue)
	}

	if err := runs.Recover(ctx); err != nil {
		return err
	}
	if err := runs.ListenForCancels(ctx); err != nil {
		return err
	}

	// --- HTTP ---

	limiter := gfhttp.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go limiter.Sweep(ctx, time.Minute, 10*time.Minute)

	handlers := &gfhttp.Handlers{
		Runs:      runs,
		Events:    stream,
		LLM:       gateway,
		Glossary:  glossaryStore,
		Limiter:   limiter,
		Keepalive: cfg.Stream.Keepalive,
	}

	r := chi.NewRouter()
	r.Use(gfhttp.RequestID)
	r.Use(chimw.RealIP)
	r.Use(gfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(gfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(gfotel.HTTPMiddleware(cfg.Otel.ServiceName))

	gfhttp.MountRoutes(r, handlers, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	// No WriteTimeout: event streams stay open for the length of a run.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Runs end first so open event streams receive their terminal frame.
	if err := runs.Shutdown(shutdownCtx); err != nil {
		slog.Error("run shutdown", "error", err)
	}
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// openCache builds the completion cache: an in-process ristretto tier in
// front of the shared NATS KV bucket when NATS is configured.
func openCache(ctx context.Context, cfg config.Cache, queue *gfnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	if queue == nil {
		slog.Info("completion cache enabled", "tiers", "l1")
		return l1, l1.Close, nil
	}

	l2, err := natskv.Open(ctx, queue.JetStream(), cfg.L2Bucket, cfg.L2TTL)
	if err != nil {
		l1.Close()
		return nil, nil, err
	}
	slog.Info("completion cache enabled", "tiers", "l1+l2", "bucket", cfg.L2Bucket)
	return tiered.New(l1, l2, l1Expire), l1.Close, nil
}
