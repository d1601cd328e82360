package ffmpeg

import (
	"bytes"
	"context"
	"os/exec"
)

// ExecResult holds the outcome of a single ffmpeg invocation. Stderr is
// always captured for error classification.
type ExecResult struct {
	Stderr string
	Err    error
}

// Runner executes a prepared argument vector. The production implementation
// shells out; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, args []string) ExecResult
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run executes args[0] with the remaining arguments, capturing stderr.
func (ExecRunner) Run(ctx context.Context, args []string) ExecResult {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	return ExecResult{
		Stderr: stderrBuf.String(),
		Err:    err,
	}
}
