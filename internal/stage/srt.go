package stage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shortforge/api/internal/model"
)

// ParseSRT parses SubRip cue data into a caption track. Cue indices are
// renumbered sequentially; blocks without a valid timing line are rejected
// rather than skipped, so a garbled transcription surfaces as an error
// instead of a silently shorter track.
func ParseSRT(data []byte) (*model.CaptionTrack, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\uFEFF")

	track := &model.CaptionTrack{}
	for _, block := range strings.Split(text, "\n\n") {
		lines := splitCueLines(block)
		if len(lines) == 0 {
			continue
		}
		// The index line is optional in practice; some tools omit it.
		if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			lines = lines[1:]
		}
		if len(lines) == 0 {
			continue
		}

		start, end, err := parseCueTiming(lines[0])
		if err != nil {
			return nil, fmt.Errorf("cue %d: %w", len(track.Segments)+1, err)
		}
		cueText := strings.TrimSpace(strings.Join(lines[1:], "\n"))
		if cueText == "" {
			continue
		}
		track.Segments = append(track.Segments, model.CaptionSegment{
			Index: len(track.Segments) + 1,
			Start: start,
			End:   end,
			Text:  cueText,
		})
	}

	if len(track.Segments) == 0 {
		return nil, fmt.Errorf("no caption cues found")
	}
	return track, nil
}

// FormatSRT renders a caption track back to SubRip form.
func FormatSRT(track *model.CaptionTrack) []byte {
	var b strings.Builder
	for i, seg := range track.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, formatSRTTime(seg.Start), formatSRTTime(seg.End), seg.Text)
	}
	return []byte(b.String())
}

func splitCueLines(block string) []string {
	var lines []string
	for _, line := range strings.Split(block, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func parseCueTiming(line string) (start, end time.Duration, err error) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad timing line %q", strings.TrimSpace(line))
	}
	start, err = parseSRTTime(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	end, err = parseSRTTime(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("cue ends at %s before it starts at %s", end, start)
	}
	return start, end, nil
}

// parseSRTTime parses HH:MM:SS,mmm. A dot before the milliseconds is
// tolerated since some transcribers emit it.
func parseSRTTime(s string) (time.Duration, error) {
	s = strings.Replace(s, ".", ",", 1)
	var h, m, sec, ms int
	if _, err := fmt.Sscanf(s, "%d:%d:%d,%d", &h, &m, &sec, &ms); err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	if m > 59 || sec > 59 || ms > 999 || h < 0 || m < 0 || sec < 0 || ms < 0 {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

func formatSRTTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
