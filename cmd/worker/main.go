package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kinderops/kinderops/internal/app"
	jobmetrics "github.com/kinderops/kinderops/internal/jobs"
	"github.com/kinderops/kinderops/internal/permissions"
	"github.com/kinderops/kinderops/internal/platform/cache"
	"github.com/kinderops/kinderops/internal/platform/db"
	"github.com/kinderops/kinderops/internal/querytemplates"
	"github.com/kinderops/kinderops/internal/shared"
	"github.com/kinderops/kinderops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: int32(cfg.WorkerConcurrency) + 2, MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	permissionService := permissions.NewService(permissions.NewRepository(pool), shared.NewAuditLogger(pool), logger)
	catalogCache := querytemplates.NewCatalogCache(redisClient, cfg.CatalogCacheTTL)
	templateService := querytemplates.NewService(querytemplates.NewRepository(pool), querytemplates.ServiceDeps{
		Cache:  catalogCache,
		Gate:   permissionService,
		Logger: logger,
	})

	recordJob := jobs.NewRecordExecutionJob(templateService, logger, metrics)
	warmupJob := jobs.NewCatalogWarmupJob(templateService, logger, metrics)

	warmTask, err := jobs.NewWarmCatalogTask()
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRecordExecution, Handler: recordJob.Handle},
			{Type: jobs.TaskWarmCatalog, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CatalogWarmupCron, Task: warmTask, Options: []asynq.Option{asynq.MaxRetry(1), asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	// Catalog writes on the API side publish a bump; warm the new version
	// right away instead of waiting for the cron tick.
	if err := catalogCache.Subscribe(ctx, func(version int64) {
		logger.Debug("catalog bumped", slog.Int64("version", version))
		if err := warmupJob.Warm(ctx); err != nil {
			logger.Warn("warm catalog after bump", slog.Any("error", err))
		}
	}); err != nil {
		logger.Warn("catalog subscription", slog.Any("error", err))
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
