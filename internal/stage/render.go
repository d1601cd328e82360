package stage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/ffmpeg"
	"github.com/shortforge/api/internal/model"
)

const (
	hardwareEncoder = "h264_nvenc"
	softwareEncoder = "libx264"
)

// RenderAdapter composites the final vertical video with ffmpeg: clips (or
// a generated background) scaled to the target frame, captions burned in,
// the voiceover mixed with optional ducked background music. The primary
// path encodes on the GPU; the fallback switches to libx264.
type RenderAdapter struct {
	cfg    *config.RenderConfig
	runner ffmpeg.Runner
	store  *artifact.Store
	probe  probeFunc
	look   lookPathFunc
}

func NewRenderAdapter(cfg *config.RenderConfig, runner ffmpeg.Runner, store *artifact.Store) *RenderAdapter {
	return &RenderAdapter{
		cfg:    cfg,
		runner: runner,
		store:  store,
		probe:  ffmpeg.Probe,
		look:   exec.LookPath,
	}
}

func (a *RenderAdapter) Stage() model.Stage { return model.StageRender }

func (a *RenderAdapter) Timeout() time.Duration {
	return time.Duration(a.cfg.TimeoutSeconds) * time.Second
}

func (a *RenderAdapter) EstimateCost(in *Input) Estimate {
	if in.Fallback {
		return Estimate{}
	}
	return Estimate{MemoryMB: a.cfg.EstimateMB, Exclusive: true}
}

func (a *RenderAdapter) Digest(in *Input) string {
	opts := in.Job.Spec.Render
	return artifact.Digest("render",
		in.AudioRel,
		in.CaptionsRel,
		strings.Join(opts.Clips, "\n"),
		opts.MusicPath,
		fmt.Sprintf("%dx%d@%d:%dk", opts.Width, opts.Height, opts.FPS, opts.VideoBitrateKbps),
	)
}

func (a *RenderAdapter) HealthCheck(ctx context.Context) error {
	if _, err := a.look(a.cfg.FFmpegBinary); err != nil {
		return err
	}
	_, err := a.look(a.cfg.FFprobeBinary)
	return err
}

func (a *RenderAdapter) Fallback(in *Input) bool {
	if in.Fallback {
		return false
	}
	in.Fallback = true
	return true
}

func (a *RenderAdapter) Invoke(ctx context.Context, in *Input, lease *budget.Lease) (*Output, error) {
	const stage = string(model.StageRender)

	if in.AudioPath == "" {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "no voiceover audio to render")
	}

	opts := in.Job.Spec.Render
	audioPath := in.AudioPath
	if opts.MusicPath != "" {
		mixPath, err := a.mixMusic(ctx, in, opts.MusicPath)
		if err != nil {
			return nil, err
		}
		defer os.Remove(mixPath)
		audioPath = mixPath
	}

	encoder := hardwareEncoder
	if in.Fallback {
		encoder = softwareEncoder
	}

	outPath := a.store.TempPath("mp4")
	defer os.Remove(outPath)

	plan := &ffmpeg.RenderPlan{
		Binary:          a.cfg.FFmpegBinary,
		Clips:           opts.Clips,
		AudioPath:       audioPath,
		CaptionsPath:    in.CaptionsPath,
		Width:           opts.Width,
		Height:          opts.Height,
		FPS:             opts.FPS,
		BitrateKbps:     opts.VideoBitrateKbps,
		Encoder:         encoder,
		DurationSeconds: in.AudioSeconds,
		OutputPath:      outPath,
	}
	args, err := ffmpeg.BuildRenderArgs(plan)
	if err != nil {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "render plan: %v", err)
	}

	if res := a.runner.Run(ctx, args); res.Err != nil {
		return nil, a.classifyRenderFailure(ctx, encoder, res)
	}

	pr, err := a.probe(ctx, a.cfg.FFprobeBinary, outPath)
	if err != nil {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "rendered video is unreadable: %v", err)
	}
	if pr.PrimaryVideo == nil || !pr.HasAudio() || pr.Duration() <= 0 {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "rendered video is missing a stream")
	}

	key := artifact.Key{JobID: in.Job.ID, Stage: stage, Attempt: in.Attempt, Ext: "mp4"}
	rel, err := a.store.Promote(outPath, key)
	if err != nil {
		return nil, fault.WrapStage(stage, fault.KindEngineFailure, err)
	}

	return &Output{
		Key:          key,
		ArtifactRel:  rel,
		Digest:       a.Digest(in),
		MediaSeconds: pr.Duration(),
		FallbackUsed: in.Fallback,
	}, nil
}

// mixMusic loops the background music under the voiceover with sidechain
// ducking. If the ducking graph fails, a plain equal-level mix is tried
// before giving up.
func (a *RenderAdapter) mixMusic(ctx context.Context, in *Input, musicPath string) (string, error) {
	const stage = string(model.StageRender)

	mixPath := a.store.TempPath("m4a")
	res := a.runner.Run(ctx, ffmpeg.BuildDuckingArgs(a.cfg.FFmpegBinary, in.AudioPath, musicPath, mixPath, in.AudioSeconds))
	if res.Err == nil {
		return mixPath, nil
	}
	if ffmpeg.MatchBadInput(res.Stderr) {
		os.Remove(mixPath)
		return "", fault.Stage(stage, fault.KindValidationFailure,
			"background music is missing or unreadable: %s", stderrTail(res.Stderr))
	}
	if !ffmpeg.MatchFilterIssue(res.Stderr) {
		os.Remove(mixPath)
		return "", engineFault(ctx, model.StageRender, res.Err, runDetail("music ducking", res))
	}

	os.Remove(mixPath)
	mixPath = a.store.TempPath("m4a")
	res = a.runner.Run(ctx, ffmpeg.BuildPlainMixArgs(a.cfg.FFmpegBinary, in.AudioPath, musicPath, mixPath, in.AudioSeconds))
	if res.Err != nil {
		os.Remove(mixPath)
		return "", engineFault(ctx, model.StageRender, res.Err, runDetail("music mix", res))
	}
	return mixPath, nil
}

func (a *RenderAdapter) classifyRenderFailure(ctx context.Context, encoder string, res ffmpeg.ExecResult) error {
	const stage = string(model.StageRender)
	switch {
	case ctx.Err() != nil:
		return engineFault(ctx, model.StageRender, res.Err, "render")
	case ffmpeg.MatchMissingEncoder(res.Stderr):
		// Non-transient so the orchestrator goes straight to the
		// software encoder instead of retrying the same failure.
		return fault.Stage(stage, fault.KindValidationFailure,
			"encoder %s is not available on this machine", encoder)
	case ffmpeg.MatchFilterIssue(res.Stderr):
		return fault.Stage(stage, fault.KindValidationFailure,
			"render filter graph failed: %s", stderrTail(res.Stderr))
	case ffmpeg.MatchBadInput(res.Stderr):
		return fault.Stage(stage, fault.KindValidationFailure,
			"render input missing or unreadable: %s", stderrTail(res.Stderr))
	default:
		return engineFault(ctx, model.StageRender, res.Err, runDetail("render", res))
	}
}
