// Package stage implements the four pipeline stage adapters. Each adapter
// wraps one external engine (ollama, coqui tts, whisper, ffmpeg) behind a
// uniform contract: estimate the memory the engine needs, run it under an
// already-held budget lease, and offer a degraded path for when the primary
// engine cannot serve.
package stage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/ffmpeg"
	"github.com/shortforge/api/internal/model"
)

// Estimate sizes a stage's budget request before invocation. GPU paths ask
// for exclusive access; CPU fallbacks reserve nothing.
type Estimate struct {
	MemoryMB  int64
	Exclusive bool
}

// Input carries the job and the outputs of the stages that already ran.
// The orchestrator owns it; adapters read it and never mutate anything
// except through Fallback.
type Input struct {
	Job     *model.Job
	Attempt int
	// Fallback selects the stage's degraded path: smaller LLM, preset
	// voice on CPU, CPU transcription, software encoder.
	Fallback bool

	// Script stage output, present from the voice stage onwards.
	Script *model.Script
	// Voice stage output: absolute path for engines, store-relative path
	// for digests.
	AudioPath    string
	AudioRel     string
	AudioSeconds float64
	// Caption stage output.
	CaptionsPath string
	CaptionsRel  string
}

// Output is what a successful invocation hands back.
type Output struct {
	Key         artifact.Key
	ArtifactRel string
	Digest      string
	// MediaSeconds is the duration of the produced media, not the wall
	// time of the invocation.
	MediaSeconds float64
	// Script carries the parsed script for downstream stages; nil for
	// every other stage.
	Script       *model.Script
	FallbackUsed bool
}

// Adapter is the uniform engine contract the orchestrator drives. Invoke
// runs under a lease the caller already holds and must never touch the
// budget itself.
type Adapter interface {
	Stage() model.Stage
	// EstimateCost sizes the budget request for this input. Pure.
	EstimateCost(in *Input) Estimate
	// Digest fingerprints the inputs this stage would consume. A recorded
	// stage result is fresh for resumption only while its digest matches.
	Digest(in *Input) string
	Invoke(ctx context.Context, in *Input, lease *budget.Lease) (*Output, error)
	HealthCheck(ctx context.Context) error
	// Fallback switches the input to the stage's degraded path, reporting
	// whether one was available. Applied at most once per stage per job.
	Fallback(in *Input) bool
	// Timeout bounds one Invoke call.
	Timeout() time.Duration
}

// engineFault classifies a raw engine error against the invoke context:
// deadline hits are timeouts, everything else is an engine failure.
func engineFault(ctx context.Context, stage model.Stage, err error, detail string) *fault.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fault.Stage(string(stage), fault.KindStageTimeout, "%s timed out", detail)
	case errors.Is(ctx.Err(), context.Canceled):
		return fault.Stage(string(stage), fault.KindCancelled, "%s cancelled", detail)
	default:
		return fault.Stage(string(stage), fault.KindEngineFailure, "%s: %v", detail, err)
	}
}

// stderrTail trims engine stderr to something that fits in a failure
// record without losing the final error lines.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	const max = 400
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// runDetail folds an engine's stderr into the failure message.
func runDetail(what string, res ffmpeg.ExecResult) string {
	if tail := stderrTail(res.Stderr); tail != "" {
		return what + ": " + tail
	}
	return what
}

type probeFunc func(ctx context.Context, binary, path string) (*ffmpeg.ProbeResult, error)

type lookPathFunc func(file string) (string, error)
