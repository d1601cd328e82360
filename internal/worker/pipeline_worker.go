package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/shortforge/api/internal/pipeline"
)

// PipelineWorker hands queued jobs to the orchestrator. Stage failures are
// recorded on the job by the orchestrator and are not task errors; a task
// error here means the job could not be run at all.
type PipelineWorker struct {
	orchestrator *pipeline.Orchestrator
}

func NewPipelineWorker(orchestrator *pipeline.Orchestrator) *PipelineWorker {
	return &PipelineWorker{orchestrator: orchestrator}
}

// ProcessTask handles one pipeline task.
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id")
	}
	return w.orchestrator.Run(ctx, payload.JobID)
}
