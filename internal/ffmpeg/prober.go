package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeResult is the parsed ffprobe view of a media file, reduced to the
// fields the pipeline validates against.
type ProbeResult struct {
	Format       FormatInfo
	PrimaryVideo *VideoStream
	AudioStreams []AudioStream
}

// FormatInfo describes the container.
type FormatInfo struct {
	FormatName string
	Duration   float64
	Size       int64
}

// VideoStream describes a video stream.
type VideoStream struct {
	Index        int
	Codec        string
	Width        int
	Height       int
	AvgFrameRate string
}

// AudioStream describes an audio stream.
type AudioStream struct {
	Index      int
	Codec      string
	Channels   int
	SampleRate int
}

// Duration returns the container duration in seconds.
func (r *ProbeResult) Duration() float64 {
	return r.Format.Duration
}

// HasAudio reports whether the file carries at least one audio stream.
func (r *ProbeResult) HasAudio() bool {
	return len(r.AudioStreams) > 0
}

// FrameRate parses the stream's average frame rate fraction.
func (v *VideoStream) FrameRate() float64 {
	parts := strings.SplitN(v.AvgFrameRate, "/", 2)
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(v.AvgFrameRate, 64)
		return f
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// Probe runs a single ffprobe JSON call against path and returns the parsed
// result.
func Probe(ctx context.Context, binary, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %q: %w", path, err)
	}

	return ParseJSON(out)
}

// ParseJSON converts raw ffprobe JSON output into a ProbeResult.
// Exported for testing without a real ffprobe binary.
func ParseJSON(data []byte) (*ProbeResult, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	return buildResult(&raw), nil
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type ffprobeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Channels     int    `json:"channels"`
	SampleRate   string `json:"sample_rate"`
}

// --- Conversion from wire types to domain types ---

func buildResult(raw *ffprobeOutput) *ProbeResult {
	pr := &ProbeResult{
		Format: FormatInfo{
			FormatName: raw.Format.FormatName,
			Duration:   parseFloat(raw.Format.Duration),
			Size:       parseInt64(raw.Format.Size),
		},
	}

	for i := range raw.Streams {
		s := &raw.Streams[i]
		switch s.CodecType {
		case "video":
			if pr.PrimaryVideo == nil {
				pr.PrimaryVideo = &VideoStream{
					Index:        s.Index,
					Codec:        s.CodecName,
					Width:        s.Width,
					Height:       s.Height,
					AvgFrameRate: s.AvgFrameRate,
				}
			}
		case "audio":
			pr.AudioStreams = append(pr.AudioStreams, AudioStream{
				Index:      s.Index,
				Codec:      s.CodecName,
				Channels:   s.Channels,
				SampleRate: parseInt(s.SampleRate),
			})
		}
	}
	return pr
}

// --- Numeric parsing helpers (ffprobe returns numbers as strings) ---

func parseInt64(s string) int64 {
	s = strings.TrimSpace(s)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	n, _ := strconv.Atoi(s)
	return n
}
