package stage

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/ffmpeg"
	"github.com/shortforge/api/internal/model"
)

// Voiceovers are normalized to -16 LUFS, the loudness target for
// voice-forward short-form content.
const voiceTargetLUFS = -16

// Reference clips for voice cloning must give the model enough material
// without blowing up synthesis time.
const (
	minReferenceClipSeconds = 10
	maxReferenceClipSeconds = 60
)

// VoiceAdapter synthesizes the voiceover with the coqui tts CLI and
// loudness-normalizes it with a two-pass loudnorm. Cloned voices need a
// valid reference clip; the fallback path switches to the preset speaker
// on CPU.
type VoiceAdapter struct {
	cfg        *config.VoiceConfig
	ffmpegBin  string
	ffprobeBin string
	runner     ffmpeg.Runner
	store      *artifact.Store
	probe      probeFunc
	look       lookPathFunc
}

func NewVoiceAdapter(cfg *config.VoiceConfig, render *config.RenderConfig, runner ffmpeg.Runner, store *artifact.Store) *VoiceAdapter {
	return &VoiceAdapter{
		cfg:        cfg,
		ffmpegBin:  render.FFmpegBinary,
		ffprobeBin: render.FFprobeBinary,
		runner:     runner,
		store:      store,
		probe:      ffmpeg.Probe,
		look:       exec.LookPath,
	}
}

func (a *VoiceAdapter) Stage() model.Stage { return model.StageVoice }

func (a *VoiceAdapter) Timeout() time.Duration {
	return time.Duration(a.cfg.TimeoutSeconds) * time.Second
}

func (a *VoiceAdapter) EstimateCost(in *Input) Estimate {
	if in.Fallback {
		// Preset speaker on CPU reserves nothing.
		return Estimate{}
	}
	return Estimate{MemoryMB: a.cfg.EstimateMB, Exclusive: true}
}

func (a *VoiceAdapter) Digest(in *Input) string {
	voice := in.Job.Spec.Voice
	var text string
	if in.Script != nil {
		text = in.Script.VoiceoverText()
	}
	return artifact.Digest("voice",
		text,
		string(voice.Mode),
		voice.Preset,
		voice.ReferenceClip,
		voice.Language,
	)
}

func (a *VoiceAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.look(a.cfg.Binary)
	return err
}

func (a *VoiceAdapter) Fallback(in *Input) bool {
	if in.Fallback {
		return false
	}
	in.Fallback = true
	return true
}

func (a *VoiceAdapter) Invoke(ctx context.Context, in *Input, lease *budget.Lease) (*Output, error) {
	const stage = string(model.StageVoice)

	if in.Script == nil {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "no script to voice")
	}
	text := in.Script.VoiceoverText()
	if text == "" {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "script has no voiceover text")
	}

	voice := in.Job.Spec.Voice
	cloned := voice.Mode == model.VoiceModeCloned && !in.Fallback
	if cloned {
		if err := a.validateReferenceClip(ctx, voice.ReferenceClip); err != nil {
			return nil, err
		}
	}

	rawPath := a.store.TempPath("wav")
	defer os.Remove(rawPath)

	args := a.synthesisArgs(text, &voice, cloned, in.Fallback, rawPath)
	if res := a.runner.Run(ctx, args); res.Err != nil {
		return nil, engineFault(ctx, model.StageVoice, res.Err, runDetail("voice synthesis", res))
	}

	normPath, err := a.normalizeLoudness(ctx, rawPath)
	if err != nil {
		return nil, err
	}
	defer os.Remove(normPath)

	pr, err := a.probe(ctx, a.ffprobeBin, normPath)
	if err != nil {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "synthesized audio is unreadable: %v", err)
	}
	if pr.Duration() <= 0 || !pr.HasAudio() {
		return nil, fault.Stage(stage, fault.KindValidationFailure, "synthesized audio is empty")
	}

	key := artifact.Key{JobID: in.Job.ID, Stage: stage, Attempt: in.Attempt, Ext: "wav"}
	rel, err := a.store.Promote(normPath, key)
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

func (a *VoiceAdapter) validateReferenceClip(ctx context.Context, clip string) error {
	const stage = string(model.StageVoice)
	if clip == "" {
		return fault.Stage(stage, fault.KindValidationFailure, "cloned voice requested without a reference clip")
	}
	pr, err := a.probe(ctx, a.ffprobeBin, clip)
	if err != nil {
		return fault.Stage(stage, fault.KindValidationFailure, "reference clip is unreadable: %v", err)
	}
	d := pr.Duration()
	if d < minReferenceClipSeconds || d > maxReferenceClipSeconds {
		return fault.Stage(stage, fault.KindValidationFailure,
			"reference clip must be %d-%d seconds, got %.1f", minReferenceClipSeconds, maxReferenceClipSeconds, d)
	}
	if !pr.HasAudio() {
		return fault.Stage(stage, fault.KindValidationFailure, "reference clip has no audio stream")
	}
	return nil
}

func (a *VoiceAdapter) synthesisArgs(text string, voice *model.VoiceSpec, cloned, fallback bool, outPath string) []string {
	args := []string{
		a.cfg.Binary,
		"--text", text,
	}
	if cloned {
		args = append(args,
			"--model_name", a.cfg.CloneModel,
			"--speaker_wav", voice.ReferenceClip,
			"--language_idx", voice.Language,
		)
	} else {
		speaker := voice.Preset
		if speaker == "" || fallback {
			speaker = a.cfg.PresetSpeaker
		}
		args = append(args,
			"--model_name", a.cfg.PresetModel,
			"--speaker_idx", speaker,
		)
	}
	args = append(args, "--out_path", outPath)
	if fallback {
		args = append(args, "--use_cuda", "false")
	} else {
		args = append(args, "--use_cuda", "true")
	}
	return args
}

// normalizeLoudness runs the two-pass loudnorm: measure first, then apply
// the measured values in linear mode so the applied gain matches the
// analysis instead of being re-estimated per window.
func (a *VoiceAdapter) normalizeLoudness(ctx context.Context, rawPath string) (string, error) {
	res := a.runner.Run(ctx, ffmpeg.BuildLoudnormMeasureArgs(a.ffmpegBin, rawPath, voiceTargetLUFS))
	if res.Err != nil {
		return "", engineFault(ctx, model.StageVoice, res.Err, runDetail("loudness analysis", res))
	}
	m, err := ffmpeg.ParseLoudnorm(res.Stderr)
	if err != nil {
		return "", fault.Stage(string(model.StageVoice), fault.KindEngineFailure, "loudness analysis: %v", err)
	}

	normPath := a.store.TempPath("wav")
	res = a.runner.Run(ctx, ffmpeg.BuildLoudnormApplyArgs(a.ffmpegBin, rawPath, normPath, voiceTargetLUFS, m))
	if res.Err != nil {
		os.Remove(normPath)
		return "", engineFault(ctx, model.StageVoice, res.Err, runDetail("loudness normalization", res))
	}
	return normPath, nil
}
