package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"workpulse/internal/audit"
	"workpulse/internal/config"
	"workpulse/internal/queue"
	"workpulse/internal/store"
)

// Worker consumes audit flags from the Redis queue and stores them.
func main() {
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn(context.Background(), "dotenv not loaded", slog.Error(err))
	}
	cfg := config.Load()
	for _, w := range cfg.Warnings {
		logger.Warn(context.Background(), w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != config.BackendRedis {
		logger.Fatal(ctx, "worker needs QUEUE_BACKEND=redis; the memory queue is consumed inside the api process")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(ctx, "db connect failed", slog.Error(err))
	}
	defer db.Close()
	if err := store.Migrate(db.Client); err != nil {
		logger.Fatal(ctx, "migrate failed", slog.Error(err))
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, cfg.AuditQueueKey, logger.Named("queue"))

	logger.Info(ctx, "worker started, waiting for audit flags", slog.F("queue", cfg.AuditQueueKey))
	if err := audit.Consume(ctx, q, audit.NewRepository(db.Client), logger.Named("audit")); err != nil {
		logger.Error(ctx, "worker stopped", slog.Error(err))
		return
	}
	logger.Info(context.Background(), "worker stopped")
}
