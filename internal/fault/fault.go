// Package fault defines the error taxonomy shared by the pipeline,
// the resource budget, the artifact store and the HTTP layer.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

const (
	// KindResourceUnavailable means a stage could not obtain the GPU memory
	// it asked for, or asked for more than the machine has.
	KindResourceUnavailable Kind = "resource_unavailable"
	// KindStageTimeout means a stage exceeded its invocation deadline.
	KindStageTimeout Kind = "stage_timeout"
	// KindEngineFailure means an external engine (ollama, tts, whisper,
	// ffmpeg) crashed or returned a non-zero exit.
	KindEngineFailure Kind = "engine_failure"
	// KindValidationFailure means an engine produced output that failed
	// structural checks (unparseable script JSON, empty captions, bad clip).
	KindValidationFailure Kind = "validation_failure"
	// KindArtifactConflict means a write targeted an artifact key that
	// already holds data.
	KindArtifactConflict Kind = "artifact_conflict"
	// KindQueueFull means admission control rejected a new job.
	KindQueueFull Kind = "queue_full"
	// KindCancelled means the job was cancelled by the caller.
	KindCancelled Kind = "cancelled"
)

// Transient reports whether a failure of this kind is worth retrying.
// Validation and resource-shape problems will not fix themselves on retry.
func (k Kind) Transient() bool {
	return k == KindStageTimeout || k == KindEngineFailure
}

// Error is the typed failure every pipeline component surfaces. Stage is
// empty for failures outside a stage (admission, artifact store).
type Error struct {
	Stage   string
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s stage: %s: %s", e.Stage, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a stage-less Error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Stage builds an Error attributed to a pipeline stage, attaching the
// stage's remediation hint.
func Stage(stage string, kind Kind, format string, args ...any) *Error {
	return &Error{
		Stage:   stage,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Hint:    HintFor(stage, kind),
	}
}

// WrapStage attributes an existing error to a stage, preserving its kind if
// it already is a fault.Error and classifying it otherwise.
func WrapStage(stage string, fallback Kind, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		out := &Error{Stage: stage, Kind: fe.Kind, Message: fe.Message, Hint: fe.Hint, Err: err}
		if out.Hint == "" {
			out.Hint = HintFor(stage, fe.Kind)
		}
		return out
	}
	return &Error{
		Stage:   stage,
		Kind:    fallback,
		Message: err.Error(),
		Hint:    HintFor(stage, fallback),
		Err:     err,
	}
}

// KindOf extracts the Kind from err, or KindEngineFailure when err carries
// no taxonomy information.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindEngineFailure
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// Is lets errors.Is match against a bare kind probe, e.g.
// errors.Is(err, &Error{Kind: KindQueueFull}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
}

// HintFor returns the operator-facing remediation hint for a failure of the
// given kind in the given stage.
func HintFor(stage string, kind Kind) string {
	if kind == KindCancelled {
		return ""
	}
	if kind == KindResourceUnavailable {
		return "Close other GPU applications or reduce the model size"
	}
	switch stage {
	case "script":
		return "Try using a smaller model or reducing context length"
	case "voice":
		return "Try using preset voices instead of custom voice cloning"
	case "caption":
		return "Try using CPU fallback or a smaller Whisper model"
	case "render":
		return "Try reducing resolution or FPS settings"
	}
	return ""
}
