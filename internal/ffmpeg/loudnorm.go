package ffmpeg

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoudnormMeasurement holds the values printed by the loudnorm analysis
// pass. ffmpeg emits them as strings and the apply pass feeds them back
// verbatim, so they are never converted to floats.
type LoudnormMeasurement struct {
	InputI      string `json:"input_i"`
	InputTP     string `json:"input_tp"`
	InputLRA    string `json:"input_lra"`
	InputThresh string `json:"input_thresh"`
}

// ParseLoudnorm extracts the measurement JSON that the loudnorm filter
// prints at the end of stderr during the analysis pass.
func ParseLoudnorm(stderr string) (*LoudnormMeasurement, error) {
	start := strings.LastIndex(stderr, "{")
	end := strings.LastIndex(stderr, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no loudnorm JSON found in ffmpeg output")
	}

	var m LoudnormMeasurement
	if err := json.Unmarshal([]byte(stderr[start:end+1]), &m); err != nil {
		return nil, fmt.Errorf("parse loudnorm JSON: %w", err)
	}
	if m.InputI == "" || m.InputTP == "" || m.InputLRA == "" || m.InputThresh == "" {
		return nil, fmt.Errorf("loudnorm JSON is missing measured fields")
	}
	return &m, nil
}
