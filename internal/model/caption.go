package model

import "time"

// CaptionSegment is one subtitle cue parsed from the caption stage output.
type CaptionSegment struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// CaptionTrack is the full set of cues for a job.
type CaptionTrack struct {
	Segments []CaptionSegment `json:"segments"`
}

// Span returns the end time of the last cue, which must cover the
// voiceover duration for the track to be considered valid.
func (t *CaptionTrack) Span() time.Duration {
	if len(t.Segments) == 0 {
		return 0
	}
	return t.Segments[len(t.Segments)-1].End
}
