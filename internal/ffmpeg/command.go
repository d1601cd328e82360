// Package ffmpeg builds and runs the ffmpeg/ffprobe invocations behind the
// voice and render stages. Argument vectors are constructed from typed plans
// so no stage ever concatenates a command line from raw strings.
package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
)

// captionStyle is the burned-subtitle style for vertical video: readable
// size, yellow fill, raised above the platform UI chrome.
const captionStyle = "Fontsize=24,PrimaryColour=&H00FFFF,Outline=1,Shadow=1,MarginV=100"

// RenderPlan describes one video render.
type RenderPlan struct {
	Binary       string
	Clips        []string
	AudioPath    string
	CaptionsPath string
	Width        int
	Height       int
	FPS          int
	BitrateKbps  int
	// Encoder is the H.264 encoder to use, h264_nvenc or libx264.
	Encoder string
	// DurationSeconds sizes the generated background when no clips are
	// supplied; it should match the voiceover length.
	DurationSeconds float64
	OutputPath      string
}

// Validate checks the plan before argument construction.
func (p *RenderPlan) Validate() error {
	if p.Binary == "" {
		return fmt.Errorf("render plan: missing ffmpeg binary")
	}
	if p.AudioPath == "" {
		return fmt.Errorf("render plan: missing audio input")
	}
	if p.OutputPath == "" {
		return fmt.Errorf("render plan: missing output path")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("render plan: bad dimensions %dx%d", p.Width, p.Height)
	}
	if p.FPS <= 0 {
		return fmt.Errorf("render plan: bad fps %d", p.FPS)
	}
	if p.BitrateKbps <= 0 {
		return fmt.Errorf("render plan: bad bitrate %d", p.BitrateKbps)
	}
	if p.Encoder == "" {
		return fmt.Errorf("render plan: missing encoder")
	}
	if len(p.Clips) == 0 && p.DurationSeconds <= 0 {
		return fmt.Errorf("render plan: no clips and no duration for the generated background")
	}
	return nil
}

// BuildRenderArgs constructs the full argument vector for a render. Clips
// are scaled and padded to the target frame, concatenated, clamped to the
// target frame rate, and overlaid with burned captions when present.
func BuildRenderArgs(p *RenderPlan) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	args := make([]string, 0, 48)
	args = append(args, p.Binary, "-hide_banner", "-nostdin", "-y", "-loglevel", "error")

	for _, clip := range p.Clips {
		args = append(args, "-i", clip)
	}
	args = append(args, "-i", p.AudioPath)
	audioIdx := len(p.Clips)

	var filters []string
	frame := fmt.Sprintf("%d:%d", p.Width, p.Height)
	if len(p.Clips) > 0 {
		for i := range p.Clips {
			filters = append(filters, fmt.Sprintf(
				"[%d:v]scale=%s:force_original_aspect_ratio=decrease,pad=%s:(ow-iw)/2:(oh-ih)/2,setsar=1[f%d]",
				i, frame, frame, i))
		}
		var concatIn strings.Builder
		for i := range p.Clips {
			fmt.Fprintf(&concatIn, "[f%d]", i)
		}
		filters = append(filters, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[cat]", concatIn.String(), len(p.Clips)))
		filters = append(filters, fmt.Sprintf("[cat]fps=%d[outv]", p.FPS))
	} else {
		filters = append(filters, fmt.Sprintf(
			"color=c=black:s=%dx%d:d=%s,fps=%d[outv]",
			p.Width, p.Height, formatSeconds(p.DurationSeconds), p.FPS))
	}

	videoLabel := "[outv]"
	if p.CaptionsPath != "" {
		filters = append(filters, fmt.Sprintf(
			"[outv]subtitles=%s:force_style='%s'[outsub]",
			escapeFilterPath(p.CaptionsPath), captionStyle))
		videoLabel = "[outsub]"
	}

	bitrate := strconv.Itoa(p.BitrateKbps) + "k"
	args = append(args,
		"-filter_complex", strings.Join(filters, ";"),
		"-map", videoLabel,
		"-map", fmt.Sprintf("%d:a", audioIdx),
		"-c:v", p.Encoder,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", "2M",
		"-profile:v", "main",
		"-level", "4.2",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		p.OutputPath,
	)

	return args, nil
}

// BuildLoudnormMeasureArgs constructs the analysis pass of two-pass loudness
// normalization. The measured values are printed as JSON on stderr and the
// audio output is discarded.
func BuildLoudnormMeasureArgs(binary, input string, targetLUFS float64) []string {
	return []string{
		binary, "-hide_banner", "-nostdin", "-y",
		"-i", input,
		"-af", fmt.Sprintf("loudnorm=I=%s:TP=-1.5:LRA=11:print_format=json", formatSeconds(targetLUFS)),
		"-f", "null", "-",
	}
}

// BuildLoudnormApplyArgs constructs the second pass, feeding the measured
// values back in linear mode so the gain actually applied matches the
// analysis instead of being re-estimated.
func BuildLoudnormApplyArgs(binary, input, output string, targetLUFS float64, m *LoudnormMeasurement) []string {
	filter := fmt.Sprintf(
		"loudnorm=I=%s:TP=-1.5:LRA=11:measured_I=%s:measured_TP=%s:measured_LRA=%s:measured_thresh=%s:linear=true",
		formatSeconds(targetLUFS), m.InputI, m.InputTP, m.InputLRA, m.InputThresh)
	return []string{
		binary, "-hide_banner", "-nostdin", "-y",
		"-i", input,
		"-af", filter,
		"-ar", "44100",
		output,
	}
}

// BuildDuckingArgs constructs the voice-over-music mix. The music is looped
// to cover the voice, compressed whenever the voice is present, then mixed
// under it.
func BuildDuckingArgs(binary, voicePath, musicPath, output string, voiceDuration float64) []string {
	loopSamples := int(voiceDuration * 44100)
	filter := fmt.Sprintf(
		"[1:a]aloop=loop=-1:size=%d[music];"+
			"[music][0:a]sidechaincompress=threshold=0.01:ratio=6:attack=200:release=2000:makeup=1[duck];"+
			"[0:a][duck]amix=inputs=2:duration=first:dropout_transition=0[aout]",
		loopSamples)
	return []string{
		binary, "-hide_banner", "-nostdin", "-y",
		"-i", voicePath,
		"-i", musicPath,
		"-filter_complex", filter,
		"-map", "[aout]",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "44100",
		output,
	}
}

// BuildPlainMixArgs constructs the fallback mix used when the ducking graph
// fails: the looped music is mixed at equal level with the voice.
func BuildPlainMixArgs(binary, voicePath, musicPath, output string, voiceDuration float64) []string {
	loopSamples := int(voiceDuration * 44100)
	filter := fmt.Sprintf(
		"[1:a]aloop=loop=-1:size=%d[music];"+
			"[0:a][music]amix=inputs=2:duration=first:dropout_transition=0[aout]",
		loopSamples)
	return []string{
		binary, "-hide_banner", "-nostdin", "-y",
		"-i", voicePath,
		"-i", musicPath,
		"-filter_complex", filter,
		"-map", "[aout]",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "44100",
		output,
	}
}

// escapeFilterPath escapes a path for embedding inside a filter argument,
// where backslashes, quotes and option separators are significant.
func escapeFilterPath(path string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`,`, `\,`,
		`;`, `\;`,
		`[`, `\[`,
		`]`, `\]`,
	)
	return r.Replace(path)
}

// formatSeconds renders a float without exponent notation and without
// trailing zeros, matching how ffmpeg expects numeric options.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
