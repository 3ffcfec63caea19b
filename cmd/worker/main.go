package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"generation-executor/internal/app"
	"generation-executor/internal/config"
	"generation-executor/internal/generation"
	"generation-executor/internal/queue"
	"generation-executor/internal/ratelimit"
	"generation-executor/internal/store"
	"generation-executor/internal/telemetry"
	workerproc "generation-executor/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Env).With().Str("component", "worker").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	objects, err := app.NewObjects(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init object storage")
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg.VisibilityTimeout)

	var limiter generation.Limiter
	if bucket := ratelimit.NewTokenBucket(redisClient, cfg.GenerationRateCapacity, cfg.GenerationRateRefill, time.Hour); bucket.Enabled() {
		limiter = bucket
	}

	exec := app.NewExecutor(cfg, st, objects, limiter, logger)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	processor := workerproc.NewProcessor(cfg, q, exec, logger, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("time_budget", cfg.TimeBudget).
		Int("batch_size", cfg.BatchSize).
		Int("parallelism", cfg.Parallelism).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
