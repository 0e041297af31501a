package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kinderops/kinderops/internal/jobs"
	"github.com/kinderops/kinderops/internal/querytemplates"
)

// CatalogSource loads the active catalog, populating the cache on a miss.
type CatalogSource interface {
	ActiveTemplates(ctx context.Context) ([]querytemplates.Template, error)
}

// CatalogWarmupJob keeps the Redis catalog snapshot populated so request
// paths rarely fall through to Postgres.
type CatalogWarmupJob struct {
	Source  CatalogSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCatalogWarmupJob wires dependencies for the warm-up handler.
func NewCatalogWarmupJob(source CatalogSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatalogWarmupJob {
	return &CatalogWarmupJob{Source: source, Logger: logger, Metrics: metrics}
}

// Handle processes TaskWarmCatalog tasks.
func (j *CatalogWarmupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	return j.Warm(ctx)
}

// Warm loads the catalog once and reports its size.
func (j *CatalogWarmupJob) Warm(ctx context.Context) (resultErr error) {
	if j == nil || j.Source == nil {
		return errors.New("catalog warmup: handler not configured")
	}
	tracker := j.Metrics.Track("warm_catalog")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	templates, err := j.Source.ActiveTemplates(ctx)
	if err != nil {
		j.logger().Error("warm template catalog", slog.Any("error", err))
		return err
	}
	j.Metrics.SetCatalogSize(len(templates))
	j.logger().Info("template catalog warmed", slog.Int("active", len(templates)))
	return nil
}

func (j *CatalogWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
