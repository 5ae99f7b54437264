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

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"rental-ops/internal/api"
	"rental-ops/internal/config"
	"rental-ops/internal/kv"
	"rental-ops/internal/ledger"
	"rental-ops/internal/logging"
	"rental-ops/internal/queue"
	"rental-ops/internal/ratelimit"
	"rental-ops/internal/reconcile"
	"rental-ops/internal/store"
	"rental-ops/internal/tracker"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rdb := kv.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	kvStore := kv.NewRedisStore(rdb)
	if err := kvStore.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	jobs := tracker.New(kvStore, tracker.Options{
		TTL:               cfg.JobTTL,
		ProcessingTimeout: cfg.JobProcessingTimeout,
		Logger:            logger,
	})
	q := queue.NewRedisQueue(rdb, queue.Options{
		DLQName:           cfg.DLQName,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	ledgerClient := ledger.NewClient(ledger.Config{
		BaseURL: cfg.LedgerBaseURL,
		Token:   cfg.LedgerToken,
		Timeout: cfg.LedgerTimeout,
		RPS:     cfg.LedgerRPS,
	})
	ledgerLoc, err := cfg.LedgerLocation()
	if err != nil {
		return err
	}
	matcher := reconcile.NewMatcher(st, ledgerClient, reconcile.Options{
		Limit:    cfg.LedgerFetchLimit,
		Location: ledgerLoc,
		Logger:   logger,
	})

	server := api.New(cfg, api.Deps{
		Tracker:     jobs,
		Queue:       q,
		Store:       st,
		Verifier:    matcher,
		Limiter:     limiter,
		DeadLetters: q,
		Logger:      logger,
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "X-Tenant-ID"},
		ExposedHeaders: []string{"Idempotent-Replayed"},
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           c.Handler(server.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
