// Package loop drives one compilation request from submission to a
// terminal result: validate, compile, regenerate on failure, and fall back
// to a deterministic template when the attempt budget runs out. The retry
// protocol is an explicit per-job state machine driven by a single loop,
// so the attempt-count invariant and the always-use-the-original-script
// rule are structural, not conventions.
package loop

import (
	"scadloop/internal/sandbox"
	"scadloop/internal/script"
	"scadloop/internal/validate"
)

// JobState is one state of the per-job machine.
type JobState string

const (
	StateValidating             JobState = "validating"
	StateCompiling              JobState = "compiling"
	StateRequestingRegeneration JobState = "requesting_regeneration"
	StateExhausted              JobState = "exhausted"
	StateDone                   JobState = "done"
)

// MaxAttempts is the retry budget per job. Attempt counting includes the
// first try: three validate/compile cycles, then the template fallback.
const MaxAttempts = 3

// Job is one user-visible compilation request. Attempts share the ID and
// the original first-attempt script; only Script and Attempt advance.
type Job struct {
	ID             string
	Script         script.Script
	OriginalScript script.Script
	FileType       sandbox.FileType
	Params         map[string]float64
	Description    string
	Attempt        int

	// AttemptResults records each attempt's terminal outcome in order, the
	// final entry being the result the job delivers. Safe to read once the
	// result has been received.
	AttemptResults []JobResult
}

// ResultKind discriminates the JobResult sum type.
type ResultKind string

const (
	// ResultSuccess carries a compiled artifact.
	ResultSuccess ResultKind = "success"

	// ResultValidationFailed carries the single Violation that rejected an
	// attempt's script.
	ResultValidationFailed ResultKind = "validation_failed"

	// ResultCompileFailed carries the classified compile failure of an
	// attempt.
	ResultCompileFailed ResultKind = "compile_failed"

	// ResultTemplateFallback carries the artifact of the deterministic
	// fallback template. It is a terminal success, not an error.
	ResultTemplateFallback ResultKind = "template_fallback"
)

// JobResult is the terminal outcome of one attempt. Exactly one variant's
// fields are populated, selected by Kind. The result delivered for the
// whole job is always Success or TemplateFallback; failed attempts appear
// in Job.AttemptResults.
type JobResult struct {
	Kind ResultKind

	// Script is the text that produced the outcome: the last attempted
	// script, or the fallback template.
	Script script.Script

	// Success / TemplateFallback.
	Artifact []byte
	Log      string

	// ValidationFailed.
	Violation *validate.Violation

	// CompileFailed.
	FailureKind sandbox.FailureKind
}

// Terminal reports whether the result ends the job successfully from the
// user's point of view. Template fallback counts: the system surfaces no
// fatal error in normal operation.
func (r JobResult) Terminal() bool {
	return r.Kind == ResultSuccess || r.Kind == ResultTemplateFallback
}

// Event is one observer notification. Observers may see the same state
// more than once and must not assume monotonic progress: progress resets
// to zero at each new attempt.
type Event struct {
	JobID    string
	State    JobState
	Attempt  int
	Progress float64
	Err      string
}

// Observer receives progress events at every job transition. A nil
// observer is allowed.
type Observer func(Event)

// SubmitRequest is the external job-submission payload.
type SubmitRequest struct {
	Script      string             `json:"script"`
	FileType    string             `json:"file_type"`
	Params      map[string]float64 `json:"params,omitempty"`
	Description string             `json:"description,omitempty"`
}
