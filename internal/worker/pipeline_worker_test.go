package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/pipeline"
	"github.com/shortforge/api/internal/repository"
)

func newWorker(t *testing.T) *PipelineWorker {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	orch := pipeline.NewOrchestrator(repo, store, budget.New(1024), nil,
		&config.PipelineConfig{MaxRetries: 1, BackoffSeconds: 0})
	return NewPipelineWorker(orch)
}

func TestProcessTaskRejectsBadPayloads(t *testing.T) {
	w := newWorker(t)

	cases := []struct {
		name    string
		payload []byte
	}{
		{"garbage", []byte("not json")},
		{"missing job id", []byte(`{}`)},
		{"empty job id", []byte(`{"jobId": ""}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := asynq.NewTask("pipeline:run", tc.payload)
			if err := w.ProcessTask(context.Background(), task); err == nil {
				t.Error("expected payload error")
			}
		})
	}
}

func TestProcessTaskReportsUnknownJob(t *testing.T) {
	w := newWorker(t)

	task := asynq.NewTask("pipeline:run", []byte(`{"jobId": "no-such-job"}`))
	err := w.ProcessTask(context.Background(), task)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected job lookup failure, got %v", err)
	}
}
