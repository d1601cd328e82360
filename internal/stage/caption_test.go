package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/ffmpeg"
)

func captionConfig() *config.CaptionConfig {
	return &config.CaptionConfig{
		Binary:         "whisper",
		Model:          "base",
		TimeoutSeconds: 600,
		EstimateMB:     2000,
	}
}

const sampleSRT = `1
00:00:00,000 --> 00:00:03,500
Every morning starts with a choice.

2
00:00:03,500 --> 00:00:40,200
Small habits compound into big results.
`

// captionRunner fakes the whisper CLI: it writes the SRT the adapter
// expects to find in the output directory.
type captionRunner struct {
	t     *testing.T
	calls int
	args  []string
	srt   string
	err   error
}

func (r *captionRunner) Run(ctx context.Context, args []string) ffmpeg.ExecResult {
	r.calls++
	r.args = args
	if r.err != nil {
		return ffmpeg.ExecResult{Err: r.err}
	}
	if r.srt != "" {
		outDir := argValue(args, "--output_dir")
		audio := args[1]
		base := filepath.Base(audio)
		base = base[:len(base)-len(filepath.Ext(base))]
		mustWriteFile(r.t, filepath.Join(outDir, base+".srt"), r.srt)
	}
	return ffmpeg.ExecResult{}
}

func captionInput(jobID string) *Input {
	return &Input{
		Job:          testJob(jobID),
		Attempt:      1,
		AudioPath:    "/data/artifacts/" + jobID + "/voice/1.wav",
		AudioRel:     jobID + "/voice/1.wav",
		AudioSeconds: 42.3,
	}
}

func TestCaptionInvokeTranscribes(t *testing.T) {
	runner := &captionRunner{t: t, srt: sampleSRT}
	store := newStore(t)
	a := NewCaptionAdapter(captionConfig(), runner, store)

	in := captionInput("job-cap-1")
	out, err := a.Invoke(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	args := runner.args
	if args[0] != "whisper" || args[1] != in.AudioPath {
		t.Errorf("command start = %v", args[:2])
	}
	if got := argValue(args, "--model"); got != "base" {
		t.Errorf("--model = %q", got)
	}
	if got := argValue(args, "--output_format"); got != "srt" {
		t.Errorf("--output_format = %q", got)
	}
	if got := argValue(args, "--device"); got != "cuda" {
		t.Errorf("--device = %q, want cuda on primary path", got)
	}
	if got := argValue(args, "--word_timestamps"); got != "True" {
		t.Errorf("--word_timestamps = %q", got)
	}
	if got := argValue(args, "--language"); got != "en" {
		t.Errorf("--language = %q", got)
	}

	if out.MediaSeconds != 40.2 {
		t.Errorf("MediaSeconds = %v, want caption span", out.MediaSeconds)
	}
	data, err := store.ReadFile(out.Key)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != sampleSRT {
		t.Error("stored captions differ from transcriber output")
	}

	// The scratch directory is cleaned up after the copy into the store.
	outDir := argValue(args, "--output_dir")
	if _, statErr := os.Stat(outDir); !os.IsNotExist(statErr) {
		t.Errorf("scratch dir %s not removed (stat err: %v)", outDir, statErr)
	}
}

func TestCaptionFallbackRunsOnCPU(t *testing.T) {
	runner := &captionRunner{t: t, srt: sampleSRT}
	a := NewCaptionAdapter(captionConfig(), runner, newStore(t))

	in := captionInput("job-cap-2")
	if !a.Fallback(in) {
		t.Fatal("Fallback returned false")
	}
	if est := a.EstimateCost(in); est.MemoryMB != 0 || est.Exclusive {
		t.Errorf("fallback estimate = %+v, want zero", est)
	}

	out, err := a.Invoke(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := argValue(runner.args, "--device"); got != "cpu" {
		t.Errorf("--device = %q, want cpu on fallback", got)
	}
	if !out.FallbackUsed {
		t.Error("FallbackUsed not set")
	}
}

func TestCaptionRejectsShortCoverage(t *testing.T) {
	shortSRT := `1
00:00:00,000 --> 00:00:09,000
Only the first few words came out.
`
	runner := &captionRunner{t: t, srt: shortSRT}
	a := NewCaptionAdapter(captionConfig(), runner, newStore(t))

	_, err := a.Invoke(context.Background(), captionInput("job-cap-3"), nil)
	if fault.KindOf(err) != fault.KindValidationFailure {
		t.Fatalf("kind = %v, want validation_failure (err: %v)", fault.KindOf(err), err)
	}
}

func TestCaptionMissingOutputFile(t *testing.T) {
	runner := &captionRunner{t: t} // succeeds but writes nothing
	a := NewCaptionAdapter(captionConfig(), runner, newStore(t))

	_, err := a.Invoke(context.Background(), captionInput("job-cap-4"), nil)
	if fault.KindOf(err) != fault.KindValidationFailure {
		t.Fatalf("kind = %v, want validation_failure", fault.KindOf(err))
	}
}

func TestCaptionUnparseableOutput(t *testing.T) {
	runner := &captionRunner{t: t, srt: "this is not an srt file"}
	a := NewCaptionAdapter(captionConfig(), runner, newStore(t))

	_, err := a.Invoke(context.Background(), captionInput("job-cap-5"), nil)
	if fault.KindOf(err) != fault.KindValidationFailure {
		t.Fatalf("kind = %v, want validation_failure", fault.KindOf(err))
	}
}

func TestCaptionEngineFailureKinds(t *testing.T) {
	runner := &captionRunner{t: t, err: errors.New("exit status 1")}
	a := NewCaptionAdapter(captionConfig(), runner, newStore(t))
	_, err := a.Invoke(context.Background(), captionInput("job-cap-6"), nil)
	if fault.KindOf(err) != fault.KindEngineFailure {
		t.Fatalf("kind = %v, want engine_failure", fault.KindOf(err))
	}

	runner = &captionRunner{t: t, err: context.DeadlineExceeded}
	a = NewCaptionAdapter(captionConfig(), runner, newStore(t))
	_, err = a.Invoke(context.Background(), captionInput("job-cap-7"), nil)
	if fault.KindOf(err) != fault.KindStageTimeout {
		t.Fatalf("kind = %v, want stage_timeout", fault.KindOf(err))
	}
}

func TestCaptionDigestTracksAudio(t *testing.T) {
	a := NewCaptionAdapter(captionConfig(), &captionRunner{t: t}, newStore(t))

	base := a.Digest(captionInput("job-d1"))
	same := a.Digest(captionInput("job-d1"))
	if base != same {
		t.Error("digest not stable")
	}
	other := captionInput("job-d1")
	other.AudioRel = "job-d1/voice/2.wav"
	if base == a.Digest(other) {
		t.Error("digest ignored the audio artifact")
	}
}
