package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/kinderops/kinderops/internal/app"
	"github.com/kinderops/kinderops/internal/observability"
	"github.com/kinderops/kinderops/internal/permissions"
	"github.com/kinderops/kinderops/internal/platform/cache"
	"github.com/kinderops/kinderops/internal/platform/db"
	"github.com/kinderops/kinderops/internal/querytemplates"
	"github.com/kinderops/kinderops/internal/shared"
	"github.com/kinderops/kinderops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	verifier, err := shared.NewTokenVerifier(cfg.APITokenHash)
	if err != nil {
		logger.Error("api token hash", slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 20, MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// Without Redis the catalog is read straight from Postgres and executions
	// are recorded synchronously.
	var enqueuer querytemplates.ExecutionEnqueuer
	var inspector jobs.QueueInspector
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("redis unavailable, running without catalog cache", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		enqueuer = jobClient

		asynqInspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := asynqInspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		inspector = asynqInspector
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)

	permissionService := permissions.NewService(permissions.NewRepository(dbpool), auditLogger, logger)
	gate := permissions.Middleware{Checker: permissionService, Logger: logger}
	permissionsHandler := permissions.NewHandler(logger, permissionService, gate)

	catalogCache := querytemplates.NewCatalogCache(redisClient, cfg.CatalogCacheTTL)
	templateService := querytemplates.NewService(querytemplates.NewRepository(dbpool), querytemplates.ServiceDeps{
		Cache:    catalogCache,
		Gate:     permissionService,
		Observer: metrics,
		Logger:   logger,
	})
	templatesHandler := querytemplates.NewHandler(logger, templateService, gate, querytemplates.HandlerConfig{
		Enqueuer: enqueuer,
		MinScore: cfg.MatchMinScore,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Verifier:           verifier,
		TemplatesHandler:   templatesHandler,
		PermissionsHandler: permissionsHandler,
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		HealthCheck:        healthCheck(dbpool.Ping, redisClient),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func healthCheck(pingDB func(context.Context) error, redisClient *redis.Client) func(*http.Request) error {
	return func(r *http.Request) error {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pingDB(ctx); err != nil {
			return err
		}
		if redisClient != nil {
			return redisClient.Ping(ctx).Err()
		}
		return nil
	}
}
