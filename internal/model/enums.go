package model

// Pipeline stages
type Stage string

const (
	StageScript  Stage = "script"
	StageVoice   Stage = "voice"
	StageCaption Stage = "caption"
	StageRender  Stage = "render"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []Stage{StageScript, StageVoice, StageCaption, StageRender}

// Job states
type JobState string

const (
	StateQueued         JobState = "queued"
	StateScriptPending  JobState = "script_pending"
	StateScriptDone     JobState = "script_done"
	StateVoicePending   JobState = "voice_pending"
	StateVoiceDone      JobState = "voice_done"
	StateCaptionPending JobState = "caption_pending"
	StateCaptionDone    JobState = "caption_done"
	StateRenderPending  JobState = "render_pending"
	StateCompleted      JobState = "completed"
	StateFailed         JobState = "failed"
)

// Job status (coarse view derived from the state)
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Stage result status
type StageStatus string

const (
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

// Target platforms
type Platform string

const (
	PlatformYouTubeShorts  Platform = "youtube-shorts"
	PlatformTikTok         Platform = "tiktok"
	PlatformInstagramReels Platform = "instagram-reels"
)

var ValidPlatforms = []Platform{
	PlatformYouTubeShorts, PlatformTikTok, PlatformInstagramReels,
}

// Voice modes
type VoiceMode string

const (
	VoiceModePreset VoiceMode = "preset"
	VoiceModeCloned VoiceMode = "cloned"
)

// Script tones
type Tone string

const (
	ToneEngaging    Tone = "engaging"
	ToneEducational Tone = "educational"
	ToneHumorous    Tone = "humorous"
	ToneDramatic    Tone = "dramatic"
)

var ValidTones = []Tone{ToneEngaging, ToneEducational, ToneHumorous, ToneDramatic}

// Script styles
type Style string

const (
	StyleConversational Style = "conversational"
	StyleNarrative      Style = "narrative"
	StyleListicle       Style = "listicle"
)

var ValidStyles = []Style{StyleConversational, StyleNarrative, StyleListicle}
