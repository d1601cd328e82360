package stage

import (
	"context"
	"os"
	"testing"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/ffmpeg"
	"github.com/shortforge/api/internal/model"
)

// fakeRunner simulates engine invocations without spawning processes.
type fakeRunner struct {
	run func(ctx context.Context, args []string) ffmpeg.ExecResult
}

func (f *fakeRunner) Run(ctx context.Context, args []string) ffmpeg.ExecResult {
	if f.run == nil {
		return ffmpeg.ExecResult{}
	}
	return f.run(ctx, args)
}

// fakeLLM answers Generate calls with canned replies.
type fakeLLM struct {
	reply    string
	err      error
	pingErr  error
	lastCall struct {
		model  string
		system string
		prompt string
	}
}

func (f *fakeLLM) Generate(ctx context.Context, modelName, system, prompt string) (string, error) {
	f.lastCall.model = modelName
	f.lastCall.system = system
	f.lastCall.prompt = prompt
	return f.reply, f.err
}

func (f *fakeLLM) Ping(ctx context.Context) error { return f.pingErr }

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	s, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func testJob(id string) *model.Job {
	return &model.Job{
		ID:    id,
		State: model.StateQueued,
		Spec: model.JobSpec{
			Topic:           "The Power of Daily Habits",
			DurationSeconds: 45,
			Tone:            model.ToneEngaging,
			Style:           model.StyleConversational,
			Voice: model.VoiceSpec{
				Mode:     model.VoiceModePreset,
				Preset:   "p225",
				Language: "en",
			},
			Render: model.RenderOptions{
				Platform:         model.PlatformYouTubeShorts,
				Width:            1080,
				Height:           1920,
				FPS:              30,
				VideoBitrateKbps: 8000,
			},
		},
	}
}

// argValue returns the value following a flag in an argument vector.
func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// audioProbe builds a probe stub reporting an audio-only file of the given
// duration.
func audioProbe(seconds float64) probeFunc {
	return func(ctx context.Context, binary, path string) (*ffmpeg.ProbeResult, error) {
		return &ffmpeg.ProbeResult{
			Format:       ffmpeg.FormatInfo{Duration: seconds},
			AudioStreams: []ffmpeg.AudioStream{{Codec: "pcm_s16le", Channels: 1, SampleRate: 22050}},
		}, nil
	}
}

// videoProbe builds a probe stub reporting a playable video of the given
// duration.
func videoProbe(seconds float64) probeFunc {
	return func(ctx context.Context, binary, path string) (*ffmpeg.ProbeResult, error) {
		return &ffmpeg.ProbeResult{
			Format:       ffmpeg.FormatInfo{Duration: seconds},
			PrimaryVideo: &ffmpeg.VideoStream{Codec: "h264", Width: 1080, Height: 1920},
			AudioStreams: []ffmpeg.AudioStream{{Codec: "aac", Channels: 2, SampleRate: 44100}},
		}, nil
	}
}

const loudnormStderr = `[Parsed_loudnorm_0 @ 0x55d]
{
	"input_i" : "-27.61",
	"input_tp" : "-4.47",
	"input_lra" : "18.06",
	"input_thresh" : "-39.20",
	"output_i" : "-16.58",
	"output_tp" : "-1.50",
	"output_lra" : "14.78",
	"output_thresh" : "-27.71",
	"normalization_type" : "dynamic",
	"target_offset" : "0.58"
}`
