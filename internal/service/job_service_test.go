package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/repository"
)

type fakeQueue struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueuePipeline, Type: task.Type()}, nil
}

func (f *fakeQueue) payloadJobID(t *testing.T, i int) string {
	t.Helper()
	var payload struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(f.tasks[i].Payload(), &payload); err != nil {
		t.Fatalf("task payload: %v", err)
	}
	return payload.JobID
}

type svcFixture struct {
	svc    *JobService
	repo   *repository.SQLiteRepository
	store  *artifact.Store
	queue  *fakeQueue
	dbPath string
}

func newJobService(t *testing.T) *svcFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	repo, err := repository.NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cfg := &config.Config{
		Queue: config.QueueConfig{MaxActiveJobs: 2, RetentionHours: 24},
		Voice: config.VoiceConfig{PresetSpeaker: "p225"},
		Artifacts: config.ArtifactConfig{
			RetentionHours:       24,
			SweepIntervalMinutes: 30,
		},
	}
	queue := &fakeQueue{}
	return &svcFixture{
		svc:    NewJobService(cfg, repo, store, queue),
		repo:   repo,
		store:  store,
		queue:  queue,
		dbPath: dbPath,
	}
}

func submitReq() *model.SubmitJobRequest {
	return &model.SubmitJobRequest{
		Topic:           "The Power of Daily Habits",
		DurationSeconds: 45,
	}
}

// backdate pushes a job's updated_at into the past so retention tests do
// not have to wait.
func backdate(t *testing.T, dbPath, jobID string, when time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`, when.Unix(), jobID); err != nil {
		t.Fatalf("backdate job: %v", err)
	}
}

func TestSubmitNormalizesDefaults(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("empty job id")
	}
	if resp.State != model.StateQueued || resp.Status != model.JobStatusQueued {
		t.Errorf("unexpected admission response: %+v", resp)
	}

	job, err := f.repo.GetJobByID(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	spec := job.Spec
	if spec.Tone != model.ToneEngaging || spec.Style != model.StyleConversational {
		t.Errorf("tone/style defaults not applied: %s/%s", spec.Tone, spec.Style)
	}
	if spec.Voice.Mode != model.VoiceModePreset || spec.Voice.Preset != "p225" || spec.Voice.Language != "en" {
		t.Errorf("voice defaults not applied: %+v", spec.Voice)
	}
	r := spec.Render
	if r.Platform != model.PlatformYouTubeShorts || r.Width != 1080 || r.Height != 1920 || r.FPS != 30 || r.VideoBitrateKbps != 8000 {
		t.Errorf("render defaults not applied: %+v", r)
	}

	if len(f.queue.tasks) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(f.queue.tasks))
	}
	if f.queue.tasks[0].Type() != TaskTypePipeline {
		t.Errorf("task type = %s", f.queue.tasks[0].Type())
	}
	if got := f.queue.payloadJobID(t, 0); got != resp.JobID {
		t.Errorf("task payload job id = %s, want %s", got, resp.JobID)
	}
}

func TestSubmitKeepsPlatformOverrides(t *testing.T) {
	f := newJobService(t)

	req := submitReq()
	req.Render = &model.RenderRequest{Platform: model.PlatformTikTok, FPS: 60}
	resp, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := f.repo.GetJobByID(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	r := job.Spec.Render
	if r.FPS != 60 {
		t.Errorf("explicit fps overridden: %d", r.FPS)
	}
	if r.Width != 1080 || r.Height != 1920 {
		t.Errorf("platform dimensions not defaulted: %dx%d", r.Width, r.Height)
	}
	if r.VideoBitrateKbps != 6000 {
		t.Errorf("tiktok bitrate default = %d, want 6000", r.VideoBitrateKbps)
	}
}

func TestSubmitClonedVoiceNeedsReferenceClip(t *testing.T) {
	f := newJobService(t)

	req := submitReq()
	req.Voice = &model.VoiceRequest{Mode: model.VoiceModeCloned}
	_, err := f.svc.Submit(context.Background(), req)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if fault.KindOf(err) != fault.KindValidationFailure {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
	if len(f.queue.tasks) != 0 {
		t.Error("rejected request was enqueued")
	}
	if n, _ := f.repo.CountActiveJobs(context.Background()); n != 0 {
		t.Errorf("rejected request left %d jobs behind", n)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	f := newJobService(t)

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Submit(context.Background(), submitReq()); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	_, err := f.svc.Submit(context.Background(), submitReq())
	if fault.KindOf(err) != fault.KindQueueFull {
		t.Fatalf("expected queue_full, got %v", err)
	}
	if len(f.queue.tasks) != 2 {
		t.Errorf("queue got %d tasks, want 2", len(f.queue.tasks))
	}
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	f := newJobService(t)
	f.queue.err = errors.New("redis down")

	_, err := f.svc.Submit(context.Background(), submitReq())
	if err == nil {
		t.Fatal("expected enqueue error")
	}

	jobs, err := f.repo.ListTerminalJobsBefore(context.Background(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListTerminalJobsBefore: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 failed job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.State != model.StateFailed || job.Failure == nil || job.Failure.Kind != fault.KindEngineFailure {
		t.Errorf("unenqueued job not marked failed: state=%s failure=%+v", job.State, job.Failure)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := f.svc.Cancel(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status.State != model.StateFailed || status.Status != model.JobStatusFailed {
		t.Errorf("cancelled job state = %s/%s", status.State, status.Status)
	}
	if status.Failure == nil || status.Failure.Kind != fault.KindCancelled {
		t.Errorf("failure record = %+v", status.Failure)
	}

	if _, err := f.svc.Cancel(context.Background(), resp.JobID); !errors.Is(err, ErrJobFinished) {
		t.Errorf("second cancel: %v", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	f := newJobService(t)
	if _, err := f.svc.Cancel(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestResumeFailedJob(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), resp.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	resumed, err := f.svc.Resume(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State != model.StateQueued {
		t.Errorf("resumed state = %s", resumed.State)
	}
	job, err := f.repo.GetJobByID(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if job.Failure != nil {
		t.Errorf("resume kept failure record: %+v", job.Failure)
	}
	if len(f.queue.tasks) != 2 {
		t.Errorf("resume did not re-enqueue: %d tasks", len(f.queue.tasks))
	}
	if got := f.queue.payloadJobID(t, 1); got != resp.JobID {
		t.Errorf("re-enqueued job id = %s", got)
	}

	if _, err := f.svc.Resume(context.Background(), resp.JobID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("resume of queued job: %v", err)
	}
}

func TestDeleteRefusesActiveJob(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.svc.Delete(context.Background(), resp.JobID); !errors.Is(err, ErrJobActive) {
		t.Fatalf("delete of queued job: %v", err)
	}

	if _, err := f.svc.Cancel(context.Background(), resp.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	key := artifact.Key{JobID: resp.JobID, Stage: "script", Attempt: 1, Ext: "json"}
	path, err := f.store.Put(key, []byte(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := f.svc.Delete(context.Background(), resp.JobID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.repo.GetJobByID(context.Background(), resp.JobID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("job row survived delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact survived delete: %s", path)
	}
}

func TestStatusIncludesStageHistory(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ok := &model.StageResult{
		JobID: resp.JobID, Stage: model.StageScript, Attempt: 1,
		Status: model.StageStatusSucceeded, ArtifactPath: resp.JobID + "/script/1.json",
		DurationMs: 1500, MediaSeconds: 45,
	}
	bad := &model.StageResult{
		JobID: resp.JobID, Stage: model.StageVoice, Attempt: 1,
		Status: model.StageStatusFailed, ErrorKind: fault.KindEngineFailure,
		ErrorMessage: "tts exited with status 1",
	}
	for _, r := range []*model.StageResult{ok, bad} {
		if err := f.repo.AppendStageResult(context.Background(), r); err != nil {
			t.Fatalf("AppendStageResult: %v", err)
		}
	}

	status, err := f.svc.Status(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != model.JobStatusQueued || status.Progress != model.ProgressFor(model.StateQueued) {
		t.Errorf("status/progress = %s/%d", status.Status, status.Progress)
	}
	if len(status.Stages) != 2 {
		t.Fatalf("stage views = %d, want 2", len(status.Stages))
	}
	if status.Stages[0].MediaSeconds != 45 || status.Stages[0].Error != "" {
		t.Errorf("succeeded view = %+v", status.Stages[0])
	}
	if status.Stages[1].Error != "engine_failure: tts exited with status 1" {
		t.Errorf("failed view error = %q", status.Stages[1].Error)
	}
}

// completeJob walks a queued job through every stage transition and stores
// script and render artifacts the way a real run would.
func completeJob(t *testing.T, f *svcFixture, jobID string) {
	t.Helper()
	ctx := context.Background()

	steps := []model.JobState{model.StateQueued}
	for _, st := range model.StageOrder {
		steps = append(steps, model.PendingState(st), model.DoneState(st))
	}
	for i := 0; i+1 < len(steps); i++ {
		if err := f.repo.UpdateJobState(ctx, jobID, steps[i], steps[i+1]); err != nil {
			t.Fatalf("transition %s -> %s: %v", steps[i], steps[i+1], err)
		}
	}

	script := &model.Script{
		Title:    "Tiny Habits, Big Wins",
		Hashtags: []string{"#habits", "#growth"},
		Scenes:   []model.Scene{{DurationSeconds: 45, Visual: "sunrise", Voiceover: "Start small."}},
	}
	data, err := json.Marshal(script)
	if err != nil {
		t.Fatalf("marshal script: %v", err)
	}
	scriptKey := artifact.Key{JobID: jobID, Stage: "script", Attempt: 1, Ext: "json"}
	if _, err := f.store.Put(scriptKey, data); err != nil {
		t.Fatalf("Put script: %v", err)
	}
	renderKey := artifact.Key{JobID: jobID, Stage: "render", Attempt: 1, Ext: "mp4"}
	if _, err := f.store.Put(renderKey, []byte("mp4-bytes")); err != nil {
		t.Fatalf("Put render: %v", err)
	}

	rows := []*model.StageResult{
		{JobID: jobID, Stage: model.StageScript, Attempt: 1, Status: model.StageStatusSucceeded,
			ArtifactPath: scriptKey.Rel(), MediaSeconds: 45},
		{JobID: jobID, Stage: model.StageRender, Attempt: 1, Status: model.StageStatusSucceeded,
			ArtifactPath: renderKey.Rel(), MediaSeconds: 42.5},
	}
	for _, r := range rows {
		if err := f.repo.AppendStageResult(ctx, r); err != nil {
			t.Fatalf("AppendStageResult: %v", err)
		}
	}
}

func TestResultOnlyForCompletedJobs(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.Result(context.Background(), resp.JobID); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("result of queued job: %v", err)
	}

	completeJob(t, f, resp.JobID)

	result, err := f.svc.Result(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Title != "Tiny Habits, Big Wins" || len(result.Hashtags) != 2 {
		t.Errorf("script metadata missing: %+v", result)
	}
	if result.DurationSeconds != 42.5 {
		t.Errorf("duration = %v", result.DurationSeconds)
	}
	if result.Width != 1080 || result.Height != 1920 || result.FPS != 30 {
		t.Errorf("dimensions = %dx%d@%d", result.Width, result.Height, result.FPS)
	}
	if result.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if _, err := os.Stat(result.VideoPath); err != nil {
		t.Errorf("video path unreadable: %v", err)
	}
}

func TestArtifactPathServesLatestSuccess(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	key := artifact.Key{JobID: resp.JobID, Stage: "voice", Attempt: 2, Ext: "wav"}
	if _, err := f.store.Put(key, []byte("wav")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	row := &model.StageResult{
		JobID: resp.JobID, Stage: model.StageVoice, Attempt: 2,
		Status: model.StageStatusSucceeded, ArtifactPath: key.Rel(),
	}
	if err := f.repo.AppendStageResult(context.Background(), row); err != nil {
		t.Fatalf("AppendStageResult: %v", err)
	}

	path, err := f.svc.ArtifactPath(context.Background(), resp.JobID, model.StageVoice)
	if err != nil {
		t.Fatalf("ArtifactPath: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("artifact unreadable: %v", err)
	}

	if _, err := f.svc.ArtifactPath(context.Background(), resp.JobID, model.StageRender); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("missing stage artifact: %v", err)
	}
	if _, err := f.svc.ArtifactPath(context.Background(), "nope", model.StageVoice); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("unknown job: %v", err)
	}
}

func TestSweepExpiredKeepsFinalVideo(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	completeJob(t, f, resp.JobID)
	backdate(t, f.dbPath, resp.JobID, time.Now().Add(-48*time.Hour))

	f.svc.SweepExpired(context.Background())

	renderRel := artifact.Key{JobID: resp.JobID, Stage: "render", Attempt: 1, Ext: "mp4"}.Rel()
	scriptRel := artifact.Key{JobID: resp.JobID, Stage: "script", Attempt: 1, Ext: "json"}.Rel()
	if !f.store.ExistsRel(renderRel) {
		t.Error("sweep removed the final video")
	}
	if f.store.ExistsRel(scriptRel) {
		t.Error("sweep kept intermediate artifacts")
	}
}

func TestSweepExpiredClearsFailedJobs(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	key := artifact.Key{JobID: resp.JobID, Stage: "script", Attempt: 1, Ext: "json"}
	if _, err := f.store.Put(key, []byte(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), resp.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	backdate(t, f.dbPath, resp.JobID, time.Now().Add(-48*time.Hour))

	f.svc.SweepExpired(context.Background())

	if f.store.ExistsRel(key.Rel()) {
		t.Error("sweep kept artifacts of a failed job")
	}
}

func TestSweepLeavesFreshJobsAlone(t *testing.T) {
	f := newJobService(t)

	resp, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	completeJob(t, f, resp.JobID)

	f.svc.SweepExpired(context.Background())

	scriptRel := artifact.Key{JobID: resp.JobID, Stage: "script", Attempt: 1, Ext: "json"}.Rel()
	if !f.store.ExistsRel(scriptRel) {
		t.Error("sweep touched a job inside the retention window")
	}
}
