package model

import "strings"

// Script is the structured output of the script stage.
type Script struct {
	Title    string   `json:"title"`
	Scenes   []Scene  `json:"scenes"`
	Hashtags []string `json:"hashtags,omitempty"`
}

// Scene is one visual beat of the video with its narration line.
type Scene struct {
	DurationSeconds float64 `json:"duration"`
	Visual          string  `json:"visual"`
	Voiceover       string  `json:"voiceover"`
}

// TotalDuration sums the scene durations in seconds.
func (s *Script) TotalDuration() float64 {
	var total float64
	for _, sc := range s.Scenes {
		total += sc.DurationSeconds
	}
	return total
}

// VoiceoverText joins all narration lines into the text handed to the
// voice stage.
func (s *Script) VoiceoverText() string {
	lines := make([]string, 0, len(s.Scenes))
	for _, sc := range s.Scenes {
		if t := strings.TrimSpace(sc.Voiceover); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, " ")
}

// WordCount counts narration words across all scenes.
func (s *Script) WordCount() int {
	return len(strings.Fields(s.VoiceoverText()))
}

// RefineScriptRequest asks the LLM to revise an existing script according
// to freeform feedback. Served synchronously, outside the job pipeline.
type RefineScriptRequest struct {
	Script   Script `json:"script" validate:"required"`
	Feedback string `json:"feedback" validate:"required,min=3,max=500"`
	Model    string `json:"model" validate:"omitempty,max=100"`
}

// RefineScriptResponse returns the revised script.
type RefineScriptResponse struct {
	Script Script `json:"script"`
}
