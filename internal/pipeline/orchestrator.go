// Package pipeline drives jobs through the stage sequence. The orchestrator
// owns all job state transitions after admission: everything else reads.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/repository"
	"github.com/shortforge/api/internal/stage"
)

// Notifier receives job lifecycle events as they happen. The websocket hub
// implements it for connected clients; NoopNotifier serves tests and
// headless runs.
type Notifier interface {
	StageProgress(jobID string, state model.JobState, retrying bool, st model.Stage, attempt int)
	JobCompleted(jobID string, result *model.JobResultResponse)
	JobFailed(jobID string, failure *model.FailureRecord)
}

// NoopNotifier drops every event.
type NoopNotifier struct{}

func (NoopNotifier) StageProgress(string, model.JobState, bool, model.Stage, int) {}
func (NoopNotifier) JobCompleted(string, *model.JobResultResponse)                {}
func (NoopNotifier) JobFailed(string, *model.FailureRecord)                       {}

// errTakenOver aborts a run quietly when another actor, usually a cancel,
// moved the job out from under the orchestrator.
var errTakenOver = errors.New("job state changed by another actor")

// Orchestrator runs one job at a time through script, voice, caption and
// render: leasing GPU memory, invoking the stage adapter under its
// deadline, recording every attempt, and walking the job state machine.
// Safe for concurrent use across distinct jobs.
type Orchestrator struct {
	repo       repository.JobRepository
	store      *artifact.Store
	budget     *budget.Budget
	notifier   Notifier
	adapters   map[model.Stage]stage.Adapter
	maxRetries int
	backoff    time.Duration
}

func NewOrchestrator(repo repository.JobRepository, store *artifact.Store, bud *budget.Budget,
	notifier Notifier, cfg *config.PipelineConfig, adapters ...stage.Adapter) *Orchestrator {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	m := make(map[model.Stage]stage.Adapter, len(adapters))
	for _, ad := range adapters {
		m[ad.Stage()] = ad
	}
	return &Orchestrator{
		repo:       repo,
		store:      store,
		budget:     bud,
		notifier:   notifier,
		adapters:   m,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffSeconds) * time.Second,
	}
}

// Adapter returns the registered adapter for a stage, for health reporting.
func (o *Orchestrator) Adapter(st model.Stage) stage.Adapter {
	return o.adapters[st]
}

// Run executes the pipeline for a queued job. Stage failures are recorded
// on the job and do not propagate as task errors; only infrastructure
// problems (storage down, job missing) are returned.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	err := o.run(ctx, jobID)
	if errors.Is(err, errTakenOver) {
		log.Printf("Job %s was taken over mid-run, stopping", jobID)
		return nil
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, jobID string) error {
	// Bookkeeping writes are detached from the job context: a cancelled
	// job must still get its failure recorded.
	bctx := context.WithoutCancel(ctx)

	job, err := o.repo.GetJobByID(bctx, jobID)
	if err != nil {
		return err
	}
	if job.State != model.StateQueued {
		// A cancel can land between enqueue and pickup.
		log.Printf("Job %s picked up in state %s, nothing to run", job.ID, job.State)
		return nil
	}

	log.Printf("Starting pipeline for job %s: %q", job.ID, job.Spec.Topic)

	attempts, err := o.lastAttempts(bctx, jobID)
	if err != nil {
		return err
	}

	in := &stage.Input{Job: job}
	current := job.State
	var finalRel string
	var finalSeconds float64

	for _, st := range model.StageOrder {
		ad, ok := o.adapters[st]
		if !ok {
			return o.fail(bctx, job, current,
				fault.Stage(string(st), fault.KindEngineFailure, "no adapter registered for %s", st))
		}

		if ctx.Err() != nil {
			return o.fail(bctx, job, current,
				fault.Stage(string(st), fault.KindCancelled, "job cancelled"))
		}

		// A previous run's artifact is reused when its recorded input
		// digest still matches what the stage would be given now.
		if r := o.reusable(bctx, job, ad, in); r != nil {
			next, err := o.skipStage(bctx, job, current, st)
			if err != nil {
				return err
			}
			current = next
			if st == model.StageRender {
				finalRel, finalSeconds = r.rel, r.seconds
			} else if err := o.absorb(in, st, r.rel, r.seconds, r.script); err != nil {
				return o.fail(bctx, job, current, fault.WrapStage(string(st), fault.KindEngineFailure, err))
			}
			continue
		}

		pending := model.PendingState(st)
		if err := o.transition(bctx, job.ID, current, pending); err != nil {
			return err
		}
		current = pending
		o.notifier.StageProgress(job.ID, pending, false, st, attempts[st]+1)

		out, err := o.runStage(ctx, bctx, job, ad, in, pending, attempts[st])
		if err != nil {
			return o.fail(bctx, job, current, err)
		}

		done := model.DoneState(st)
		if err := o.transition(bctx, job.ID, pending, done); err != nil {
			return err
		}
		current = done
		o.notifier.StageProgress(job.ID, done, false, st, in.Attempt)

		if st == model.StageRender {
			finalRel, finalSeconds = out.ArtifactRel, out.MediaSeconds
		} else if err := o.absorb(in, st, out.ArtifactRel, out.MediaSeconds, out.Script); err != nil {
			return o.fail(bctx, job, current, fault.WrapStage(string(st), fault.KindEngineFailure, err))
		}
	}

	result := o.buildResult(bctx, job, in, finalRel, finalSeconds)
	o.notifier.JobCompleted(job.ID, result)
	log.Printf("Job %s completed: %s", job.ID, finalRel)
	return nil
}

// runStage invokes one stage until it succeeds, the shared retry budget is
// spent, or a non-transient failure exhausts the fallback. Every attempt,
// failed or not, is recorded as its own stage result row.
func (o *Orchestrator) runStage(ctx, bctx context.Context, job *model.Job, ad stage.Adapter,
	in *stage.Input, pending model.JobState, lastAttempt int) (*stage.Output, error) {
	st := ad.Stage()
	attempt := lastAttempt
	retries := 0

	for {
		attempt++
		in.Attempt = attempt

		started := time.Now()
		out, err := o.invokeOnce(ctx, ad, in)
		elapsed := time.Since(started).Milliseconds()

		rec := &model.StageResult{
			JobID:        job.ID,
			Stage:        st,
			Attempt:      attempt,
			InputDigest:  ad.Digest(in),
			FallbackUsed: in.Fallback,
			Retries:      retries,
			DurationMs:   elapsed,
		}
		if err == nil {
			rec.Status = model.StageStatusSucceeded
			rec.ArtifactPath = out.ArtifactRel
			rec.MediaSeconds = out.MediaSeconds
			if aerr := o.repo.AppendStageResult(bctx, rec); aerr != nil {
				return nil, fault.WrapStage(string(st), fault.KindEngineFailure, aerr)
			}
			return out, nil
		}

		rec.Status = model.StageStatusFailed
		rec.ErrorKind = fault.KindOf(err)
		rec.ErrorMessage = err.Error()
		if aerr := o.repo.AppendStageResult(bctx, rec); aerr != nil {
			log.Printf("Failed to record stage result for job %s: %v", job.ID, aerr)
		}
		log.Printf("Job %s stage %s attempt %d failed: %v", job.ID, st, attempt, err)

		if fault.KindOf(err) == fault.KindCancelled || ctx.Err() != nil {
			return nil, err
		}

		if fault.IsTransient(err) && retries < o.maxRetries {
			retries++
			if serr := o.repo.SetRetrying(bctx, job.ID, true); serr != nil {
				log.Printf("Failed to set retrying flag for job %s: %v", job.ID, serr)
			}
			o.notifier.StageProgress(job.ID, pending, true, st, attempt)
			select {
			case <-time.After(o.backoff << (retries - 1)):
			case <-ctx.Done():
				return nil, fault.Stage(string(st), fault.KindCancelled, "job cancelled during retry backoff")
			}
			if serr := o.repo.SetRetrying(bctx, job.ID, false); serr != nil {
				log.Printf("Failed to clear retrying flag for job %s: %v", job.ID, serr)
			}
			continue
		}

		// The retry budget is shared between the primary engine and its
		// fallback: switching engines does not reset it.
		if ad.Fallback(in) {
			log.Printf("Job %s stage %s switching to fallback after %s", job.ID, st, fault.KindOf(err))
			continue
		}

		return nil, err
	}
}

// invokeOnce leases the stage's memory estimate, then runs the adapter
// under its own deadline. The deadline context is detached from the job
// context so a cancel never kills an engine mid-write; cancellation is
// honored at the next boundary instead.
func (o *Orchestrator) invokeOnce(ctx context.Context, ad stage.Adapter, in *stage.Input) (*stage.Output, error) {
	st := ad.Stage()
	est := ad.EstimateCost(in)
	lease, err := o.budget.Acquire(ctx, string(st), est.MemoryMB, est.Exclusive)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Stage(string(st), fault.KindCancelled, "job cancelled while waiting for GPU memory")
		}
		return nil, err
	}
	defer o.budget.Release(lease)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ad.Timeout())
	defer cancel()
	return ad.Invoke(runCtx, in, lease)
}

// stageReuse carries what a skipped stage would have produced.
type stageReuse struct {
	rel     string
	seconds float64
	script  *model.Script
}

// reusable reports whether the latest success for a stage can stand in for
// running it: the recorded input digest must match the digest of today's
// input and the artifact must still exist. A corrupt stored script makes
// the stage stale rather than failing the job.
func (o *Orchestrator) reusable(ctx context.Context, job *model.Job, ad stage.Adapter, in *stage.Input) *stageReuse {
	st := ad.Stage()
	prev, err := o.repo.LatestStageSuccess(ctx, job.ID, st)
	if err != nil || prev == nil {
		return nil
	}
	if prev.InputDigest != ad.Digest(in) || !o.store.ExistsRel(prev.ArtifactPath) {
		return nil
	}
	r := &stageReuse{rel: prev.ArtifactPath, seconds: prev.MediaSeconds}
	if st == model.StageScript {
		script, err := o.readScript(prev.ArtifactPath)
		if err != nil {
			log.Printf("Job %s stored script unusable (%v), regenerating", job.ID, err)
			return nil
		}
		r.script = script
	}
	return r
}

func (o *Orchestrator) readScript(rel string) (*model.Script, error) {
	abs, err := o.store.Resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	var s model.Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if len(s.Scenes) == 0 {
		return nil, errors.New("stored script has no scenes")
	}
	return &s, nil
}

// skipStage walks a fresh stage's pending and done transitions without
// running it, so the state machine and connected clients see the same
// sequence either way.
func (o *Orchestrator) skipStage(ctx context.Context, job *model.Job, current model.JobState, st model.Stage) (model.JobState, error) {
	pending := model.PendingState(st)
	if err := o.transition(ctx, job.ID, current, pending); err != nil {
		return current, err
	}
	o.notifier.StageProgress(job.ID, pending, false, st, 0)

	done := model.DoneState(st)
	if err := o.transition(ctx, job.ID, pending, done); err != nil {
		return pending, err
	}
	o.notifier.StageProgress(job.ID, done, false, st, 0)

	log.Printf("Job %s stage %s is fresh from a previous run, skipping", job.ID, st)
	return done, nil
}

// absorb threads a stage's artifact into the input of the stages after it.
func (o *Orchestrator) absorb(in *stage.Input, st model.Stage, rel string, seconds float64, script *model.Script) error {
	switch st {
	case model.StageScript:
		in.Script = script
	case model.StageVoice:
		abs, err := o.store.Resolve(rel)
		if err != nil {
			return err
		}
		in.AudioPath = abs
		in.AudioRel = rel
		in.AudioSeconds = seconds
	case model.StageCaption:
		abs, err := o.store.Resolve(rel)
		if err != nil {
			return err
		}
		in.CaptionsPath = abs
		in.CaptionsRel = rel
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, jobID string, from, to model.JobState) error {
	err := o.repo.UpdateJobState(ctx, jobID, from, to)
	if errors.Is(err, repository.ErrStateConflict) {
		return errTakenOver
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, job *model.Job, from model.JobState, cause error) error {
	failure := failureRecord(cause)
	err := o.repo.MarkFailed(ctx, job.ID, from, failure)
	if errors.Is(err, repository.ErrStateConflict) {
		return errTakenOver
	}
	if err != nil {
		log.Printf("Failed to mark job %s failed: %v", job.ID, err)
		return err
	}
	o.notifier.JobFailed(job.ID, failure)
	log.Printf("Job %s failed at %s stage: %s (%s)", job.ID, failure.Stage, failure.Message, failure.Kind)
	return nil
}

func failureRecord(cause error) *model.FailureRecord {
	var fe *fault.Error
	if errors.As(cause, &fe) {
		return &model.FailureRecord{
			Stage:   model.Stage(fe.Stage),
			Kind:    fe.Kind,
			Message: fe.Message,
			Hint:    fe.Hint,
		}
	}
	return &model.FailureRecord{
		Kind:    fault.KindEngineFailure,
		Message: cause.Error(),
	}
}

func (o *Orchestrator) lastAttempts(ctx context.Context, jobID string) (map[model.Stage]int, error) {
	results, err := o.repo.ListStageResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	last := make(map[model.Stage]int, len(model.StageOrder))
	for _, r := range results {
		if r.Attempt > last[r.Stage] {
			last[r.Stage] = r.Attempt
		}
	}
	return last, nil
}

func (o *Orchestrator) buildResult(ctx context.Context, job *model.Job, in *stage.Input,
	finalRel string, finalSeconds float64) *model.JobResultResponse {
	res := &model.JobResultResponse{
		JobID:           job.ID,
		DurationSeconds: finalSeconds,
		Width:           job.Spec.Render.Width,
		Height:          job.Spec.Render.Height,
		FPS:             job.Spec.Render.FPS,
	}
	if abs, err := o.store.Resolve(finalRel); err == nil {
		res.VideoPath = abs
	}
	if in.Script != nil {
		res.Title = in.Script.Title
		res.Hashtags = in.Script.Hashtags
	}
	if fresh, err := o.repo.GetJobByID(ctx, job.ID); err == nil {
		res.CompletedAt = fresh.CompletedAt
	}
	return res
}
