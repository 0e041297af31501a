package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kinderops/kinderops/internal/jobs"
	"github.com/kinderops/kinderops/internal/platform/httpx"
	"github.com/kinderops/kinderops/internal/querytemplates"
)

// ExecutionRecorder applies a reported execution to template statistics.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, id int64, success bool, elapsedMs float64) (querytemplates.Stats, error)
}

// RecordExecutionJob processes TaskRecordExecution tasks.
type RecordExecutionJob struct {
	Recorder ExecutionRecorder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewRecordExecutionJob wires dependencies for the handler.
func NewRecordExecutionJob(recorder ExecutionRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecordExecutionJob {
	return &RecordExecutionJob{Recorder: recorder, Logger: logger, Metrics: metrics}
}

// Handle decodes the payload and records the execution. Payloads that can
// never succeed are not retried.
func (j *RecordExecutionJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Recorder == nil {
		return errors.New("record execution: handler not configured")
	}
	var payload RecordExecutionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("record execution: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track("record_execution")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("execution_id", payload.ExecutionID),
		slog.Int64("template_id", payload.TemplateID))

	_, err := j.Recorder.RecordExecution(ctx, payload.TemplateID, payload.Success, payload.ElapsedMs)
	if err == nil {
		return nil
	}
	if errors.Is(err, httpx.ErrNotFound) || errors.Is(err, httpx.ErrValidation) || errors.Is(err, httpx.ErrConflict) {
		logger.Warn("drop execution report", slog.Any("error", err))
		return fmt.Errorf("record execution: %v: %w", err, asynq.SkipRetry)
	}
	logger.Error("record execution", slog.Any("error", err))
	return err
}

func (j *RecordExecutionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
