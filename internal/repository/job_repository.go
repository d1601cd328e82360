package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shortforge/api/internal/model"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrStateConflict is returned when a guarded state change found the job in
// a different state than expected.
var ErrStateConflict = errors.New("job state changed concurrently")

// JobRepository defines the durable store for jobs and their stage history.
type JobRepository interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	// UpdateJobState moves a job from one state to another. The change only
	// applies when the job is still in the from state; otherwise
	// ErrStateConflict is returned.
	UpdateJobState(ctx context.Context, id string, from, to model.JobState) error
	SetRetrying(ctx context.Context, id string, retrying bool) error
	// MarkFailed transitions to the failed state (guarded like
	// UpdateJobState) and records the failure.
	MarkFailed(ctx context.Context, id string, from model.JobState, failure *model.FailureRecord) error
	// ResetForResume re-queues a failed job and clears its failure record.
	ResetForResume(ctx context.Context, id string) error
	CountActiveJobs(ctx context.Context) (int, error)
	ListTerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]*model.Job, error)
	DeleteJob(ctx context.Context, id string) error

	AppendStageResult(ctx context.Context, result *model.StageResult) error
	ListStageResults(ctx context.Context, jobID string) ([]*model.StageResult, error)
	// LatestStageSuccess returns the newest succeeded attempt for a stage,
	// or nil when the stage never succeeded.
	LatestStageSuccess(ctx context.Context, jobID string, stage model.Stage) (*model.StageResult, error)

	Close() error
}
