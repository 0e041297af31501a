package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/kinderops/kinderops/internal/querytemplates"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecordExecution folds a reported template execution into its statistics.
	TaskRecordExecution = "templates:record_execution"
	// TaskWarmCatalog reloads the active template catalog into Redis.
	TaskWarmCatalog = "templates:warm_catalog"
)

// RecordExecutionPayload describes one reported template execution.
type RecordExecutionPayload struct {
	ExecutionID string  `json:"execution_id"`
	TemplateID  int64   `json:"template_id"`
	Success     bool    `json:"success"`
	ElapsedMs   float64 `json:"elapsed_ms"`
}

// NewRecordExecutionTask constructs an Asynq task for the execution. The
// execution ID doubles as task ID so redelivered reports are deduplicated.
func NewRecordExecutionTask(exec querytemplates.Execution) (*asynq.Task, []asynq.Option, error) {
	if exec.ID == "" {
		return nil, nil, fmt.Errorf("record execution: missing execution id")
	}
	data, err := json.Marshal(RecordExecutionPayload{
		ExecutionID: exec.ID,
		TemplateID:  exec.TemplateID,
		Success:     exec.Success,
		ElapsedMs:   exec.ElapsedMs,
	})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.TaskID(exec.ID),
		asynq.MaxRetry(5),
	}
	return asynq.NewTask(TaskRecordExecution, data), opts, nil
}

// WarmCatalogPayload is empty; the task always refreshes the whole catalog.
type WarmCatalogPayload struct{}

// NewWarmCatalogTask constructs the catalog warm-up task.
func NewWarmCatalogTask() (*asynq.Task, error) {
	data, err := json.Marshal(WarmCatalogPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWarmCatalog, data), nil
}
