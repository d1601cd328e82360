package stage

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/ffmpeg"
	"github.com/shortforge/api/internal/model"
)

// A caption track that stops before half the audio means the transcription
// garbled or truncated; it is rejected rather than burned in.
const minCaptionCoverage = 0.5

// CaptionAdapter transcribes the voiceover into SRT captions with the
// whisper CLI. The fallback path reruns on CPU, which reserves no GPU
// memory.
type CaptionAdapter struct {
	cfg    *config.CaptionConfig
	runner ffmpeg.Runner
	store  *artifact.Store
	look   lookPathFunc
}

func NewCaptionAdapter(cfg *config.CaptionConfig, runner ffmpeg.Runner, store *artifact.Store) *CaptionAdapter {
	return &CaptionAdapter{cfg: cfg, runner: runner, store: store, look: exec.LookPath}
}

func (a *CaptionAdapter) Stage() model.Stage { return model.StageCaption }

func (a *CaptionAdapter) Timeout() time.Duration {
	return time.Duration(a.cfg.TimeoutSeconds) * time.Second
}

func (a *CaptionAdapter) EstimateCost(in *Input) Estimate {
	if in.Fallback {
		return Estimate{}
	}
	return Estimate{MemoryMB: a.cfg.EstimateMB, Exclusive: true}
}

func (a *CaptionAdapter) Digest(in *Input) string {
	return artifact.Digest("caption",
		in.AudioRel,
		strconv.FormatFloat(in.AudioSeconds, 'f', -1, 64),
		a.cfg.Model,
	)
}

func (a *CaptionAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.look(a.cfg.Binary)
	return err
}

func (a *CaptionAdapter) Fallback(in *Input) bool {
	if in.Fallback {
		return false
	}
	in.Fallback = true
	return true
}

func (a *CaptionAdapter) Invoke(ctx context.Context, in *Input, lease *budget.Lease) (*Output, error) {
	const stage = string(model.StageCaption)

	if in.AudioPath == "" {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "no voiceover audio to transcribe")
	}

	outDir, err := a.store.TempDir()
	if err != nil {
		return nil, fault.WrapStage(stage, fault.KindEngineFailure, err)
	}
	defer os.RemoveAll(outDir)

	device := "cuda"
	if in.Fallback {
		device = "cpu"
	}
	args := []string{
		a.cfg.Binary,
		in.AudioPath,
		"--model", a.cfg.Model,
		"--output_format", "srt",
		"--output_dir", outDir,
		"--device", device,
		"--word_timestamps", "True",
	}
	if lang := in.Job.Spec.Voice.Language; lang != "" {
		args = append(args, "--language", lang)
	}

	if res := a.runner.Run(ctx, args); res.Err != nil {
		return nil, engineFault(ctx, model.StageCaption, res.Err, runDetail("transcription", res))
	}

	// whisper writes <audio base>.srt next to its other outputs.
	base := strings.TrimSuffix(filepath.Base(in.AudioPath), filepath.Ext(in.AudioPath))
	data, err := os.ReadFile(filepath.Join(outDir, base+".srt"))
	if err != nil {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "transcriber produced no caption file")
	}

	track, err := ParseSRT(data)
	if err != nil {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "caption output is unusable: %v", err)
	}
	span := track.Span().Seconds()
	if in.AudioSeconds > 0 && span < minCaptionCoverage*in.AudioSeconds {
		return nil, fault.Stage(stage, fault.KindValidationFailure,
			"captions cover only %.1fs of %.1fs of audio", span, in.AudioSeconds)
	}

	key := artifact.Key{JobID: in.Job.ID, Stage: stage, Attempt: in.Attempt, Ext: "srt"}
	rel, err := a.store.Put(key, data)
	if err != nil {
		return nil, fault.WrapStage(stage, fault.KindEngineFailure, err)
	}

	return &Output{
		Key:          key,
		ArtifactRel:  rel,
		Digest:       a.Digest(in),
		MediaSeconds: span,
		FallbackUsed: in.Fallback,
	}, nil
}
