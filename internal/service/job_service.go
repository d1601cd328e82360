package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/repository"
)

const (
	// TaskTypePipeline is the asynq task type for running a job pipeline.
	TaskTypePipeline = "pipeline:run"
	// QueuePipeline is the asynq queue jobs are enqueued on.
	QueuePipeline = "pipeline"
)

// Job lifecycle errors surfaced to handlers.
var (
	ErrJobFinished  = errors.New("job already finished")
	ErrJobActive    = errors.New("job is still active")
	ErrNotFailed    = errors.New("job is not in a failed state")
	ErrNotCompleted = errors.New("job is not completed")
	ErrNoArtifact   = errors.New("artifact not available")
)

// TaskEnqueuer is the slice of asynq.Client the service needs.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobService admits, tracks and retires video jobs. Admission normalizes the
// request into a fixed JobSpec, persists it and hands the job id to the
// queue; everything after that is the orchestrator's business.
type JobService struct {
	cfg   *config.Config
	repo  repository.JobRepository
	store *artifact.Store
	queue TaskEnqueuer
}

func NewJobService(cfg *config.Config, repo repository.JobRepository, store *artifact.Store, queue TaskEnqueuer) *JobService {
	return &JobService{
		cfg:   cfg,
		repo:  repo,
		store: store,
		queue: queue,
	}
}

// Submit admits a new job. The request is normalized against the platform
// presets, capacity-checked and enqueued; the response carries the job id
// the client polls or subscribes with.
func (s *JobService) Submit(ctx context.Context, req *model.SubmitJobRequest) (*model.SubmitJobResponse, error) {
	spec, err := s.normalizeSpec(req)
	if err != nil {
		return nil, err
	}

	active, err := s.repo.CountActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= s.cfg.Queue.MaxActiveJobs {
		return nil, fault.New(fault.KindQueueFull,
			"queue is full: %d of %d jobs active", active, s.cfg.Queue.MaxActiveJobs)
	}

	job := &model.Job{
		ID:    uuid.New().String(),
		Spec:  *spec,
		State: model.StateQueued,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.enqueue(ctx, job.ID); err != nil {
		failure := &model.FailureRecord{
			Kind:    fault.KindEngineFailure,
			Message: "failed to enqueue job",
			Hint:    "Check that Redis is running, then resume the job",
		}
		if markErr := s.repo.MarkFailed(ctx, job.ID, model.StateQueued, failure); markErr != nil {
			log.Printf("Failed to mark unenqueued job %s as failed: %v", job.ID, markErr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return &model.SubmitJobResponse{
		JobID:  job.ID,
		State:  job.State,
		Status: model.StatusOf(job.State, false),
	}, nil
}

// Status returns the live snapshot of a job with its stage history.
func (s *JobService) Status(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	results, err := s.repo.ListStageResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}

	views := make([]model.StageResultView, 0, len(results))
	for _, r := range results {
		view := model.StageResultView{
			Stage:        r.Stage,
			Attempt:      r.Attempt,
			Status:       r.Status,
			FallbackUsed: r.FallbackUsed,
			Retries:      r.Retries,
			DurationMs:   r.DurationMs,
			MediaSeconds: r.MediaSeconds,
			Artifact:     r.ArtifactPath,
		}
		if r.Status == model.StageStatusFailed && r.ErrorMessage != "" {
			view.Error = fmt.Sprintf("%s: %s", r.ErrorKind, r.ErrorMessage)
		}
		views = append(views, view)
	}

	return &model.JobStatusResponse{
		JobID:     job.ID,
		State:     job.State,
		Status:    model.StatusOf(job.State, job.Retrying),
		Progress:  model.ProgressFor(job.State),
		Retrying:  job.Retrying,
		Failure:   job.Failure,
		Stages:    views,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

// Result returns the finished video description. Only completed jobs have
// a result.
func (s *JobService) Result(ctx context.Context, jobID string) (*model.JobResultResponse, error) {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != model.StateCompleted {
		return nil, ErrNotCompleted
	}

	render, err := s.repo.LatestStageSuccess(ctx, jobID, model.StageRender)
	if err != nil {
		return nil, fmt.Errorf("failed to load render result: %w", err)
	}
	if render == nil {
		return nil, ErrNoArtifact
	}
	videoPath, err := s.store.Resolve(render.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve video path: %w", err)
	}

	result := &model.JobResultResponse{
		JobID:           job.ID,
		VideoPath:       videoPath,
		Title:           job.Spec.Topic,
		DurationSeconds: render.MediaSeconds,
		Width:           job.Spec.Render.Width,
		Height:          job.Spec.Render.Height,
		FPS:             job.Spec.Render.FPS,
		CompletedAt:     job.CompletedAt,
	}
	if script := s.readScript(ctx, jobID); script != nil {
		result.Title = script.Title
		result.Hashtags = script.Hashtags
	}
	return result, nil
}

// Cancel stops a job. Queued jobs never start; running jobs are abandoned at
// the next stage boundary when the orchestrator sees the state change. The
// guarded transition can race the orchestrator, so re-read and retry a few
// times before giving up.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.repo.GetJobByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return nil, ErrJobFinished
		}

		failure := &model.FailureRecord{
			Kind:    fault.KindCancelled,
			Message: "cancelled by user",
		}
		err = s.repo.MarkFailed(ctx, jobID, job.State, failure)
		if err == nil {
			return s.Status(ctx, jobID)
		}
		if !errors.Is(err, repository.ErrStateConflict) {
			return nil, fmt.Errorf("failed to cancel job: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to cancel job %s: %w", jobID, repository.ErrStateConflict)
}

// Resume re-queues a failed job. Completed stages with intact artifacts are
// skipped by the orchestrator; the failed stage gets a fresh retry budget.
func (s *JobService) Resume(ctx context.Context, jobID string) (*model.SubmitJobResponse, error) {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != model.StateFailed {
		return nil, ErrNotFailed
	}

	active, err := s.repo.CountActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= s.cfg.Queue.MaxActiveJobs {
		return nil, fault.New(fault.KindQueueFull,
			"queue is full: %d of %d jobs active", active, s.cfg.Queue.MaxActiveJobs)
	}

	if err := s.repo.ResetForResume(ctx, jobID); err != nil {
		return nil, fmt.Errorf("failed to reset job: %w", err)
	}
	if err := s.enqueue(ctx, jobID); err != nil {
		failure := &model.FailureRecord{
			Kind:    fault.KindEngineFailure,
			Message: "failed to enqueue job",
			Hint:    "Check that Redis is running, then resume the job",
		}
		if markErr := s.repo.MarkFailed(ctx, jobID, model.StateQueued, failure); markErr != nil {
			log.Printf("Failed to mark unenqueued job %s as failed: %v", jobID, markErr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return &model.SubmitJobResponse{
		JobID:  jobID,
		State:  model.StateQueued,
		Status: model.StatusOf(model.StateQueued, false),
	}, nil
}

// Delete removes a terminal job with its history and artifacts. Active jobs
// must be cancelled first.
func (s *JobService) Delete(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.State.Terminal() {
		return ErrJobActive
	}
	if err := s.repo.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := s.store.DeleteJob(jobID); err != nil {
		log.Printf("Failed to delete artifacts for job %s: %v", jobID, err)
	}
	return nil
}

// ArtifactPath resolves the newest successful artifact of a stage to its
// absolute path for download.
func (s *JobService) ArtifactPath(ctx context.Context, jobID string, st model.Stage) (string, error) {
	if _, err := s.repo.GetJobByID(ctx, jobID); err != nil {
		return "", err
	}
	row, err := s.repo.LatestStageSuccess(ctx, jobID, st)
	if err != nil {
		return "", fmt.Errorf("failed to load stage result: %w", err)
	}
	if row == nil || row.ArtifactPath == "" {
		return "", ErrNoArtifact
	}
	path, err := s.store.Resolve(row.ArtifactPath)
	if err != nil {
		return "", ErrNoArtifact
	}
	if !s.store.ExistsRel(row.ArtifactPath) {
		return "", ErrNoArtifact
	}
	return path, nil
}

// SweepExpired clears artifacts of terminal jobs older than the retention
// window. Completed jobs keep their final video; everything else goes.
func (s *JobService) SweepExpired(ctx context.Context) {
	retention := time.Duration(s.cfg.Artifacts.RetentionHours) * time.Hour
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	jobs, err := s.repo.ListTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Artifact sweep failed to list jobs: %v", err)
		return
	}
	for _, job := range jobs {
		var keep []artifact.Key
		if job.State == model.StateCompleted {
			if render, err := s.repo.LatestStageSuccess(ctx, job.ID, model.StageRender); err == nil && render != nil {
				if key, err := artifact.ParseRel(render.ArtifactPath); err == nil {
					keep = append(keep, key)
				}
			}
		}
		if err := s.store.SweepJob(job.ID, keep...); err != nil {
			log.Printf("Artifact sweep failed for job %s: %v", job.ID, err)
		}
	}
}

// StartSweeper runs SweepExpired on a ticker until ctx is done.
func (s *JobService) StartSweeper(ctx context.Context) {
	interval := time.Duration(s.cfg.Artifacts.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired(ctx)
			}
		}
	}()
}

func (s *JobService) enqueue(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(map[string]string{"jobId": jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	task := asynq.NewTask(TaskTypePipeline, payload)
	retention := time.Duration(s.cfg.Queue.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	_, err = s.queue.Enqueue(task,
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(0),
		asynq.Retention(retention),
	)
	return err
}

// normalizeSpec fills request gaps with the platform and voice defaults so
// the stored spec is complete and digests stay stable.
func (s *JobService) normalizeSpec(req *model.SubmitJobRequest) (*model.JobSpec, error) {
	spec := &model.JobSpec{
		Topic:           req.Topic,
		DurationSeconds: req.DurationSeconds,
		Tone:            req.Tone,
		Style:           req.Style,
	}
	if spec.Tone == "" {
		spec.Tone = model.ToneEngaging
	}
	if spec.Style == "" {
		spec.Style = model.StyleConversational
	}

	spec.Voice = model.VoiceSpec{
		Mode:     model.VoiceModePreset,
		Preset:   s.cfg.Voice.PresetSpeaker,
		Language: "en",
	}
	if req.Voice != nil {
		if req.Voice.Mode != "" {
			spec.Voice.Mode = req.Voice.Mode
		}
		if req.Voice.Preset != "" {
			spec.Voice.Preset = req.Voice.Preset
		}
		if req.Voice.Language != "" {
			spec.Voice.Language = req.Voice.Language
		}
		spec.Voice.ReferenceClip = req.Voice.ReferenceClip
	}
	if spec.Voice.Mode == model.VoiceModeCloned && spec.Voice.ReferenceClip == "" {
		return nil, fault.New(fault.KindValidationFailure,
			"cloned voice mode requires a reference clip")
	}

	spec.Render = model.RenderOptions{Platform: model.PlatformYouTubeShorts}
	if req.Render != nil {
		if req.Render.Platform != "" {
			spec.Render.Platform = req.Render.Platform
		}
		spec.Render.Width = req.Render.Width
		spec.Render.Height = req.Render.Height
		spec.Render.FPS = req.Render.FPS
		spec.Render.VideoBitrateKbps = req.Render.VideoBitrateKbps
		spec.Render.Clips = req.Render.Clips
		spec.Render.MusicPath = req.Render.MusicPath
	}
	applyPlatformDefaults(&spec.Render)

	return spec, nil
}

// Platform presets. All three targets are portrait 9:16; they differ in
// bitrate ceilings.
var platformDefaults = map[model.Platform]model.RenderOptions{
	model.PlatformYouTubeShorts:  {Width: 1080, Height: 1920, FPS: 30, VideoBitrateKbps: 8000},
	model.PlatformTikTok:         {Width: 1080, Height: 1920, FPS: 30, VideoBitrateKbps: 6000},
	model.PlatformInstagramReels: {Width: 1080, Height: 1920, FPS: 30, VideoBitrateKbps: 5000},
}

func applyPlatformDefaults(r *model.RenderOptions) {
	def, ok := platformDefaults[r.Platform]
	if !ok {
		r.Platform = model.PlatformYouTubeShorts
		def = platformDefaults[model.PlatformYouTubeShorts]
	}
	if r.Width == 0 {
		r.Width = def.Width
	}
	if r.Height == 0 {
		r.Height = def.Height
	}
	if r.FPS == 0 {
		r.FPS = def.FPS
	}
	if r.VideoBitrateKbps == 0 {
		r.VideoBitrateKbps = def.VideoBitrateKbps
	}
}

func (s *JobService) readScript(ctx context.Context, jobID string) *model.Script {
	row, err := s.repo.LatestStageSuccess(ctx, jobID, model.StageScript)
	if err != nil || row == nil || row.ArtifactPath == "" {
		return nil
	}
	rc, _, err := s.store.Open(row.ArtifactPath)
	if err != nil {
		return nil
	}
	defer rc.Close()
	var script model.Script
	if err := json.NewDecoder(rc).Decode(&script); err != nil {
		return nil
	}
	return &script
}
