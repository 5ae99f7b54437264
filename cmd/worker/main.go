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

	"golang.org/x/sync/errgroup"

	"rental-ops/internal/config"
	"rental-ops/internal/kv"
	"rental-ops/internal/logging"
	"rental-ops/internal/models"
	"rental-ops/internal/queue"
	"rental-ops/internal/store"
	"rental-ops/internal/telemetry"
	"rental-ops/internal/tracker"
	workerproc "rental-ops/internal/worker"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
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

	renderer, err := workerproc.NewHTMLRenderer()
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	uploader, err := workerproc.NewUploader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init uploader: %w", err)
	}

	processor := workerproc.NewProcessor(cfg, q, jobs, logger)
	processor.RegisterHandler(models.KindContractDocument, workerproc.NewDocumentHandler(st, renderer, uploader).Handle)

	sweeper := tracker.NewSweeper(jobs, kvStore, cfg.JobSweepInterval, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started",
			"visibility", cfg.VisibilityTimeout,
			"backoff_initial", cfg.BackoffInitial,
			"processing_timeout", cfg.JobProcessingTimeout)
		return processor.Run(gCtx)
	})
	g.Go(func() error {
		return sweeper.Run(gCtx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
