package model

import "time"

// SubmitJobRequest is the payload for creating a new video job.
type SubmitJobRequest struct {
	Topic           string         `json:"topic" validate:"required,min=3,max=200"`
	DurationSeconds int            `json:"durationSeconds" validate:"required,min=15,max=180"`
	Tone            Tone           `json:"tone" validate:"omitempty,oneof=engaging educational humorous dramatic"`
	Style           Style          `json:"style" validate:"omitempty,oneof=conversational narrative listicle"`
	Voice           *VoiceRequest  `json:"voice" validate:"omitempty"`
	Render          *RenderRequest `json:"render" validate:"omitempty"`
}

// VoiceRequest selects the voiceover voice.
type VoiceRequest struct {
	Mode          VoiceMode `json:"mode" validate:"omitempty,oneof=preset cloned"`
	Preset        string    `json:"preset" validate:"omitempty,max=100"`
	ReferenceClip string    `json:"referenceClip" validate:"omitempty,max=500"`
	Language      string    `json:"language" validate:"omitempty,len=2"`
}

// RenderRequest overrides the platform render defaults.
type RenderRequest struct {
	Platform         Platform `json:"platform" validate:"omitempty,oneof=youtube-shorts tiktok instagram-reels"`
	Width            int      `json:"width" validate:"omitempty,min=144,max=3840"`
	Height           int      `json:"height" validate:"omitempty,min=144,max=3840"`
	FPS              int      `json:"fps" validate:"omitempty,min=15,max=60"`
	VideoBitrateKbps int      `json:"videoBitrateKbps" validate:"omitempty,min=500,max=50000"`
	Clips            []string `json:"clips" validate:"omitempty,max=20,dive,max=500"`
	MusicPath        string   `json:"musicPath" validate:"omitempty,max=500"`
}

// SubmitJobResponse acknowledges an admitted job.
type SubmitJobResponse struct {
	JobID  string    `json:"jobId"`
	State  JobState  `json:"state"`
	Status JobStatus `json:"status"`
}

// JobStatusResponse is the live snapshot of a job.
type JobStatusResponse struct {
	JobID     string            `json:"jobId"`
	State     JobState          `json:"state"`
	Status    JobStatus         `json:"status"`
	Progress  int               `json:"progress"`
	Retrying  bool              `json:"retrying"`
	Failure   *FailureRecord    `json:"failure,omitempty"`
	Stages    []StageResultView `json:"stages"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// StageResultView is the client-facing projection of a stage attempt.
type StageResultView struct {
	Stage        Stage       `json:"stage"`
	Attempt      int         `json:"attempt"`
	Status       StageStatus `json:"status"`
	FallbackUsed bool        `json:"fallbackUsed"`
	Retries      int         `json:"retries"`
	DurationMs   int64       `json:"durationMs"`
	MediaSeconds float64     `json:"mediaSeconds,omitempty"`
	Artifact     string      `json:"artifact,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// JobResultResponse describes a finished video.
type JobResultResponse struct {
	JobID           string     `json:"jobId"`
	VideoPath       string     `json:"videoPath"`
	Title           string     `json:"title"`
	Hashtags        []string   `json:"hashtags,omitempty"`
	DurationSeconds float64    `json:"durationSeconds"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	FPS             int        `json:"fps"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}
