package model

import (
	"time"

	"github.com/shortforge/api/internal/fault"
)

// Job represents one short-video production run. Only the orchestrator
// mutates a job after admission; everything else reads snapshots.
type Job struct {
	ID          string         `json:"id"`
	Spec        JobSpec        `json:"spec"`
	State       JobState       `json:"state"`
	Retrying    bool           `json:"retrying"`
	Failure     *FailureRecord `json:"failure,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// JobSpec is the normalized production request, fixed at admission.
type JobSpec struct {
	Topic           string        `json:"topic"`
	DurationSeconds int           `json:"durationSeconds"`
	Tone            Tone          `json:"tone"`
	Style           Style         `json:"style"`
	Voice           VoiceSpec     `json:"voice"`
	Render          RenderOptions `json:"render"`
}

// VoiceSpec selects the synthesis voice. Cloned mode needs a reference clip
// between 10 and 60 seconds; anything else falls back to the preset speaker.
type VoiceSpec struct {
	Mode          VoiceMode `json:"mode"`
	Preset        string    `json:"preset"`
	ReferenceClip string    `json:"referenceClip,omitempty"`
	Language      string    `json:"language"`
}

// RenderOptions carries the video output parameters, defaulted from the
// platform preset at admission.
type RenderOptions struct {
	Platform         Platform `json:"platform"`
	Width            int      `json:"width"`
	Height           int      `json:"height"`
	FPS              int      `json:"fps"`
	VideoBitrateKbps int      `json:"videoBitrateKbps"`
	// Clips are local video files composited in order behind the captions.
	// Empty means a generated solid background sized to the voiceover.
	Clips     []string `json:"clips,omitempty"`
	MusicPath string   `json:"musicPath,omitempty"`
}

// FailureRecord pins down why a job failed and what the operator can do
// about it.
type FailureRecord struct {
	Stage   Stage      `json:"stage,omitempty"`
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	Hint    string     `json:"hint,omitempty"`
}

// StageResult is the immutable record of one stage attempt. Retries append
// new rows with a larger attempt number; nothing is ever rewritten.
type StageResult struct {
	JobID        string      `json:"jobId"`
	Stage        Stage       `json:"stage"`
	Attempt      int         `json:"attempt"`
	Status       StageStatus `json:"status"`
	ArtifactPath string      `json:"artifactPath,omitempty"`
	InputDigest  string      `json:"inputDigest,omitempty"`
	FallbackUsed bool        `json:"fallbackUsed"`
	Retries      int         `json:"retries"`
	DurationMs   int64       `json:"durationMs"`
	// MediaSeconds is the duration of the produced media: narration length
	// for script, audio length for voice, cue span for caption, video
	// length for render.
	MediaSeconds float64    `json:"mediaSeconds,omitempty"`
	ErrorKind    fault.Kind `json:"errorKind,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}
