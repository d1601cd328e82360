package ffmpeg

import "regexp"

// Pre-compiled regexes for classifying ffmpeg stderr output. A missing
// hardware encoder routes the render to the software fallback; a filter
// graph error is a construction bug and is not retried.
var (
	reMissingEncoder = regexp.MustCompile(
		`(?i)Unknown encoder|` +
			`No NVENC capable devices found|` +
			`Cannot load (libcuda|nvcuda)|` +
			`Driver does not support the required nvenc API version|` +
			`Failed to (load|open) nvenc|` +
			`Cannot init CUDA`)

	reFilterIssue = regexp.MustCompile(
		`(?i)No such filter|` +
			`Error initializing filter|` +
			`Error initializing complex filters|` +
			`Error reinitializing filters|` +
			`Cannot find a matching stream for unlabeled input pad|` +
			`Media type mismatch between the .* filter|` +
			`Invalid file index .* in filtergraph`)

	reBadInput = regexp.MustCompile(
		`(?i)No such file or directory|` +
			`Invalid data found when processing input|` +
			`does not contain any stream`)
)

// MatchMissingEncoder reports whether stderr indicates the selected
// hardware encoder is unavailable on this machine.
func MatchMissingEncoder(stderr string) bool {
	return reMissingEncoder.MatchString(stderr)
}

// MatchFilterIssue reports whether stderr indicates a broken filter graph.
func MatchFilterIssue(stderr string) bool {
	return reFilterIssue.MatchString(stderr)
}

// MatchBadInput reports whether stderr indicates a missing or unreadable
// input file.
func MatchBadInput(stderr string) bool {
	return reBadInput.MatchString(stderr)
}
