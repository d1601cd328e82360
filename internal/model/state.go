package model

// validTransitions enumerates every legal state change. Anything not listed
// is rejected, which keeps a crashed or concurrent writer from corrupting a
// job's lifecycle.
var validTransitions = map[JobState][]JobState{
	StateQueued:         {StateScriptPending, StateFailed},
	StateScriptPending:  {StateScriptDone, StateFailed},
	StateScriptDone:     {StateVoicePending, StateFailed},
	StateVoicePending:   {StateVoiceDone, StateFailed},
	StateVoiceDone:      {StateCaptionPending, StateFailed},
	StateCaptionPending: {StateCaptionDone, StateFailed},
	StateCaptionDone:    {StateRenderPending, StateFailed},
	StateRenderPending:  {StateCompleted, StateFailed},
	StateCompleted:      {},
	// A failed job may be resubmitted; it re-enters the queue and fresh
	// stages are skipped during the next run.
	StateFailed: {StateQueued},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to JobState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the job's lifecycle.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// PendingState maps a stage to the state announcing its execution.
func PendingState(stage Stage) JobState {
	switch stage {
	case StageScript:
		return StateScriptPending
	case StageVoice:
		return StateVoicePending
	case StageCaption:
		return StateCaptionPending
	case StageRender:
		return StateRenderPending
	}
	return StateFailed
}

// DoneState maps a stage to the state recording its completion.
func DoneState(stage Stage) JobState {
	switch stage {
	case StageScript:
		return StateScriptDone
	case StageVoice:
		return StateVoiceDone
	case StageCaption:
		return StateCaptionDone
	case StageRender:
		return StateCompleted
	}
	return StateFailed
}

// StatusOf collapses the fine-grained state into the coarse status shown to
// clients. The retrying flag is set while the orchestrator waits out a
// backoff between attempts.
func StatusOf(state JobState, retrying bool) JobStatus {
	switch state {
	case StateQueued:
		return JobStatusQueued
	case StateCompleted:
		return JobStatusCompleted
	case StateFailed:
		return JobStatusFailed
	}
	if retrying {
		return JobStatusRetrying
	}
	return JobStatusRunning
}

// stateProgress maps each state to an overall completion percentage.
var stateProgress = map[JobState]int{
	StateQueued:         0,
	StateScriptPending:  5,
	StateScriptDone:     25,
	StateVoicePending:   30,
	StateVoiceDone:      50,
	StateCaptionPending: 55,
	StateCaptionDone:    70,
	StateRenderPending:  75,
	StateCompleted:      100,
	StateFailed:         0,
}

// ProgressFor returns the completion percentage for a state.
func ProgressFor(state JobState) int {
	return stateProgress[state]
}
