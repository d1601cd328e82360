package ffmpeg

import (
	"strings"
	"testing"
)

func renderPlan() *RenderPlan {
	return &RenderPlan{
		Binary:       "ffmpeg",
		Clips:        []string{"/clips/a.mp4", "/clips/b.mp4"},
		AudioPath:    "/work/voice.wav",
		CaptionsPath: "/work/captions.srt",
		Width:        1080,
		Height:       1920,
		FPS:          30,
		BitrateKbps:  8000,
		Encoder:      "h264_nvenc",
		OutputPath:   "/work/final.mp4",
	}
}

func buildLine(t *testing.T, p *RenderPlan) string {
	t.Helper()
	args, err := BuildRenderArgs(p)
	if err != nil {
		t.Fatalf("BuildRenderArgs: %v", err)
	}
	return strings.Join(args, " ")
}

func TestBuildRenderArgsWithClips(t *testing.T) {
	line := buildLine(t, renderPlan())

	for _, want := range []string{
		"-i /clips/a.mp4",
		"-i /clips/b.mp4",
		"-i /work/voice.wav",
		"[0:v]scale=1080:1920:force_original_aspect_ratio=decrease,pad=1080:1920:(ow-iw)/2:(oh-ih)/2,setsar=1[f0]",
		"[f0][f1]concat=n=2:v=1:a=0[cat]",
		"[cat]fps=30[outv]",
		"-map [outsub]",
		"-map 2:a",
		"-c:v h264_nvenc",
		"-b:v 8000k -maxrate 8000k -bufsize 2M",
		"-c:a aac -b:a 192k",
		"-movflags +faststart",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("args missing %q:\n%s", want, line)
		}
	}
}

func TestBuildRenderArgsGeneratedBackground(t *testing.T) {
	p := renderPlan()
	p.Clips = nil
	p.CaptionsPath = ""
	p.DurationSeconds = 45.5
	line := buildLine(t, p)

	if !strings.Contains(line, "color=c=black:s=1080x1920:d=45.5,fps=30[outv]") {
		t.Errorf("generated background filter missing:\n%s", line)
	}
	if !strings.Contains(line, "-map [outv]") {
		t.Errorf("uncaptioned render must map the raw video label:\n%s", line)
	}
	if !strings.Contains(line, "-map 0:a") {
		t.Errorf("audio must be input 0 when there are no clips:\n%s", line)
	}
	if strings.Contains(line, "subtitles=") {
		t.Errorf("no captions requested but subtitles filter present:\n%s", line)
	}
}

func TestBuildRenderArgsBurnsCaptions(t *testing.T) {
	line := buildLine(t, renderPlan())

	if !strings.Contains(line, "subtitles=/work/captions.srt:force_style='Fontsize=24,PrimaryColour=&H00FFFF,Outline=1,Shadow=1,MarginV=100'[outsub]") {
		t.Errorf("caption burn filter missing or wrong:\n%s", line)
	}
}

func TestBuildRenderArgsEscapesFilterPaths(t *testing.T) {
	p := renderPlan()
	p.CaptionsPath = `/work/it's here/cap,tion.srt`
	line := buildLine(t, p)

	if !strings.Contains(line, `subtitles=/work/it\'s here/cap\,tion.srt`) {
		t.Errorf("special characters not escaped inside filter:\n%s", line)
	}
}

func TestRenderPlanValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *RenderPlan)
	}{
		{"no audio", func(p *RenderPlan) { p.AudioPath = "" }},
		{"no output", func(p *RenderPlan) { p.OutputPath = "" }},
		{"bad dimensions", func(p *RenderPlan) { p.Width = 0 }},
		{"bad fps", func(p *RenderPlan) { p.FPS = 0 }},
		{"bad bitrate", func(p *RenderPlan) { p.BitrateKbps = 0 }},
		{"no encoder", func(p *RenderPlan) { p.Encoder = "" }},
		{"no clips and no duration", func(p *RenderPlan) { p.Clips = nil; p.DurationSeconds = 0 }},
	}

	for _, tc := range cases {
		p := renderPlan()
		tc.mutate(p)
		if _, err := BuildRenderArgs(p); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestBuildLoudnormArgs(t *testing.T) {
	measure := strings.Join(BuildLoudnormMeasureArgs("ffmpeg", "/in.wav", -16), " ")
	if !strings.Contains(measure, "loudnorm=I=-16:TP=-1.5:LRA=11:print_format=json") {
		t.Errorf("measure filter wrong:\n%s", measure)
	}
	if !strings.Contains(measure, "-f null -") {
		t.Errorf("measure pass must discard output:\n%s", measure)
	}

	m := &LoudnormMeasurement{InputI: "-23.1", InputTP: "-5.2", InputLRA: "4.7", InputThresh: "-33.5"}
	apply := strings.Join(BuildLoudnormApplyArgs("ffmpeg", "/in.wav", "/out.wav", -16, m), " ")
	for _, want := range []string{
		"measured_I=-23.1",
		"measured_TP=-5.2",
		"measured_LRA=4.7",
		"measured_thresh=-33.5",
		"linear=true",
	} {
		if !strings.Contains(apply, want) {
			t.Errorf("apply filter missing %q:\n%s", want, apply)
		}
	}
}

func TestParseLoudnorm(t *testing.T) {
	stderr := `[Parsed_loudnorm_0 @ 0x55e]
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

	m, err := ParseLoudnorm(stderr)
	if err != nil {
		t.Fatalf("ParseLoudnorm: %v", err)
	}
	if m.InputI != "-27.61" || m.InputTP != "-4.47" || m.InputLRA != "18.06" || m.InputThresh != "-39.20" {
		t.Errorf("measurement = %+v", m)
	}
}

func TestParseLoudnormRejectsGarbage(t *testing.T) {
	if _, err := ParseLoudnorm("no json here at all"); err == nil {
		t.Error("expected error for output without JSON")
	}
	if _, err := ParseLoudnorm(`{"output_i": "-16.0"}`); err == nil {
		t.Error("expected error for JSON missing measured fields")
	}
}

func TestBuildDuckingArgs(t *testing.T) {
	line := strings.Join(BuildDuckingArgs("ffmpeg", "/voice.wav", "/music.mp3", "/mix.wav", 45), " ")

	for _, want := range []string{
		"-i /voice.wav",
		"-i /music.mp3",
		"aloop=loop=-1:size=1984500",
		"sidechaincompress=threshold=0.01:ratio=6:attack=200:release=2000:makeup=1",
		"amix=inputs=2:duration=first",
		"-map [aout]",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("ducking args missing %q:\n%s", want, line)
		}
	}
}

func TestBuildPlainMixArgs(t *testing.T) {
	line := strings.Join(BuildPlainMixArgs("ffmpeg", "/voice.wav", "/music.mp3", "/mix.wav", 10), " ")

	if strings.Contains(line, "sidechaincompress") {
		t.Errorf("plain mix must not duck:\n%s", line)
	}
	if !strings.Contains(line, "amix=inputs=2:duration=first") {
		t.Errorf("plain mix missing amix:\n%s", line)
	}
}

func TestStderrClassifiers(t *testing.T) {
	nvenc := "Cannot load libcuda.so.1\n[h264_nvenc @ 0x5] No NVENC capable devices found"
	if !MatchMissingEncoder(nvenc) {
		t.Error("nvenc failure not classified as missing encoder")
	}
	if MatchMissingEncoder("Conversion failed!") {
		t.Error("generic failure classified as missing encoder")
	}

	filter := "[AVFilterGraph @ 0x6] Error initializing complex filters."
	if !MatchFilterIssue(filter) {
		t.Error("filter graph failure not classified")
	}

	input := "/tmp/voice.wav: No such file or directory"
	if !MatchBadInput(input) {
		t.Error("missing input not classified")
	}
	if MatchBadInput(nvenc) {
		t.Error("nvenc failure classified as bad input")
	}
}
