package pipeline

import (
	"fmt"
	"time"
)

// PipelineRun is the aggregate root for one task's execution. It owns every
// artifact, report, result and decision produced during its lifetime and an
// append-only history of stage transitions. All mutation goes through event
// methods; timestamps are caller-supplied so the aggregate stays deterministic
// under replay.
type PipelineRun struct {
	id         string
	task       Task
	maxRetries int

	state   State
	retries int

	history   []HistoryEntry
	artifacts []Artifact
	reviews   []ReviewReport
	tests     []TestResult
	decisions []ApprovalDecision

	write       *WriteResult
	publication *PublicationResult

	// feedback holds the findings of the most recent failed stage only.
	feedback FindingsList

	outcome Outcome
	reason  AbortReason

	gate approvalGate
}

// NewRun validates the task and creates a run in Intake.
func NewRun(id string, task Task, maxRetries int) (*PipelineRun, error) {
	if id == "" {
		return nil, &FatalConfigError{Field: "run.id", Message: "run id is required"}
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, &FatalConfigError{Field: "max_retries", Message: "must be >= 0"}
	}
	return &PipelineRun{
		id:         id,
		task:       task,
		maxRetries: maxRetries,
		state:      StateIntake,
	}, nil
}

func (r *PipelineRun) ID() string       { return r.id }
func (r *PipelineRun) Task() Task       { return r.task }
func (r *PipelineRun) State() State     { return r.state }
func (r *PipelineRun) Retries() int     { return r.retries }
func (r *PipelineRun) MaxRetries() int  { return r.maxRetries }
func (r *PipelineRun) Outcome() Outcome { return r.outcome }
func (r *PipelineRun) Reason() AbortReason {
	return r.reason
}

// Feedback returns the findings of the immediately preceding failed stage,
// or nil when the current Coding entry is the first attempt.
func (r *PipelineRun) Feedback() FindingsList {
	if len(r.feedback) == 0 {
		return nil
	}
	out := make(FindingsList, len(r.feedback))
	copy(out, r.feedback)
	return out
}

// ActiveArtifact returns the single active artifact version, or nil before
// the first generation completes.
func (r *PipelineRun) ActiveArtifact() *Artifact {
	if len(r.artifacts) == 0 {
		return nil
	}
	a := r.artifacts[len(r.artifacts)-1]
	return &a
}

// History returns a copy of the append-only transition log.
func (r *PipelineRun) History() []HistoryEntry {
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

func (r *PipelineRun) append(e HistoryEntry) {
	r.history = append(r.history, e)
}

func (r *PipelineRun) require(state State, event string) error {
	if r.state.Terminal() {
		return ErrRunTerminal
	}
	if r.state != state {
		return &InvalidTransitionError{From: r.state, Event: event}
	}
	return nil
}

// Accept moves the run from Intake to Coding.
func (r *PipelineRun) Accept(now time.Time) error {
	if err := r.require(StateIntake, "accept"); err != nil {
		return err
	}
	r.state = StateCoding
	r.append(HistoryEntry{Stage: StateIntake, Outcome: HistoryAccepted, At: now})
	return nil
}

// RecordArtifact stores a newly generated artifact version and advances to
// Reviewing. The sequence number is assigned here; prior versions are kept.
func (r *PipelineRun) RecordArtifact(a Artifact, now time.Time) error {
	if err := r.require(StateCoding, "record_artifact"); err != nil {
		return err
	}
	a.RunID = r.id
	a.Sequence = len(r.artifacts) + 1
	r.artifacts = append(r.artifacts, a)
	r.state = StateReviewing
	r.append(HistoryEntry{Stage: StateCoding, ArtifactSeq: a.Sequence, Outcome: HistoryGenerated, At: now})
	return nil
}

// RecordReview applies a review verdict. A pass advances to Testing; a fail
// consults the retry router and either re-enters Coding with the review's
// findings as feedback or aborts with quality_exhausted.
func (r *PipelineRun) RecordReview(report ReviewReport, now time.Time) error {
	if err := r.require(StateReviewing, "record_review"); err != nil {
		return err
	}
	r.reviews = append(r.reviews, report)
	return r.routeVerdict(StateReviewing, report.Verdict, report.Findings, now)
}

// RecordTest applies a test verdict, mirroring RecordReview.
func (r *PipelineRun) RecordTest(result TestResult, now time.Time) error {
	if err := r.require(StateTesting, "record_test"); err != nil {
		return err
	}
	r.tests = append(r.tests, result)
	return r.routeVerdict(StateTesting, result.Verdict, result.Failures, now)
}

func (r *PipelineRun) routeVerdict(stage State, verdict Verdict, findings FindingsList, now time.Time) error {
	dec, err := Route(RouteInput{Stage: stage, Verdict: verdict, Retries: r.retries, MaxRetries: r.maxRetries})
	if err != nil {
		return err
	}
	seq := 0
	if a := r.ActiveArtifact(); a != nil {
		seq = a.Sequence
	}
	switch dec.Next {
	case StateCoding:
		r.retries += dec.RetryDelta
		r.feedback = findings
		r.state = StateCoding
		r.append(HistoryEntry{Stage: stage, ArtifactSeq: seq, Outcome: HistoryRetrying, Cause: summarize(findings), At: now})
	case StateAborted:
		r.append(HistoryEntry{Stage: stage, ArtifactSeq: seq, Outcome: HistoryFailed, Cause: summarize(findings), At: now})
		r.abort(stage, dec.Reason, "retry budget exhausted", now)
	default:
		r.feedback = nil
		r.state = dec.Next
		r.append(HistoryEntry{Stage: stage, ArtifactSeq: seq, Outcome: HistoryPassed, At: now})
	}
	return nil
}

// RecordWrite stores the persistence result and advances to Publishing.
func (r *PipelineRun) RecordWrite(w WriteResult, now time.Time) error {
	if err := r.require(StateWriting, "record_write"); err != nil {
		return err
	}
	r.write = &w
	r.state = StatePublishing
	r.append(HistoryEntry{Stage: StateWriting, ArtifactSeq: r.activeSeq(), Outcome: HistoryWritten, At: now})
	return nil
}

// RecordPublication stores the publication result and finishes the run.
func (r *PipelineRun) RecordPublication(p PublicationResult, now time.Time) error {
	if err := r.require(StatePublishing, "record_publication"); err != nil {
		return err
	}
	r.publication = &p
	r.state = StateDone
	r.outcome = OutcomePublished
	r.append(HistoryEntry{Stage: StatePublishing, ArtifactSeq: r.activeSeq(), Outcome: HistoryPublished, Cause: p.Reference, At: now})
	return nil
}

// RecordFatal aborts the run from the given stage with an explicit reason.
// Used for non-recoverable provider errors, exhausted infrastructure retries,
// and fatal configuration failures.
func (r *PipelineRun) RecordFatal(stage State, reason AbortReason, cause string, now time.Time) error {
	if r.state.Terminal() {
		return ErrRunTerminal
	}
	r.abort(stage, reason, cause, now)
	return nil
}

// Cancel aborts a run on external request. Cancellation is refused only
// while a publish is executing; that operation must complete or fail first.
func (r *PipelineRun) Cancel(cause string, now time.Time) error {
	if r.state.Terminal() {
		return ErrRunTerminal
	}
	if r.state == StatePublishing {
		return ErrPublishInFlight
	}
	r.append(HistoryEntry{Stage: r.state, ArtifactSeq: r.activeSeq(), Outcome: HistoryCanceled, Cause: cause, At: now})
	r.state = StateAborted
	r.outcome = OutcomeAborted
	r.reason = ReasonCanceled
	return nil
}

func (r *PipelineRun) abort(stage State, reason AbortReason, cause string, now time.Time) {
	r.state = StateAborted
	r.outcome = OutcomeAborted
	r.reason = reason
	r.append(HistoryEntry{Stage: stage, ArtifactSeq: r.activeSeq(), Outcome: HistoryAbortedRecord, Cause: fmt.Sprintf("%s: %s", reason, cause), At: now})
}

func (r *PipelineRun) activeSeq() int {
	if a := r.ActiveArtifact(); a != nil {
		return a.Sequence
	}
	return 0
}

// Report projects the append-only history into the terminal report.
func (r *PipelineRun) Report() TerminalReport {
	return TerminalReport{
		RunID:    r.id,
		TaskID:   r.task.ID,
		Outcome:  r.outcome,
		Reason:   r.reason,
		Retries:  r.retries,
		History:  r.History(),
		Artifact: r.ActiveArtifact(),
	}
}

// Snapshot is an exported view of run state for status queries.
type Snapshot struct {
	RunID       string         `json:"run_id"`
	TaskID      string         `json:"task_id"`
	State       State          `json:"state"`
	Retries     int            `json:"retries"`
	MaxRetries  int            `json:"max_retries"`
	ArtifactSeq int            `json:"artifact_seq"`
	Outcome     Outcome        `json:"outcome,omitempty"`
	Reason      AbortReason    `json:"reason,omitempty"`
	History     []HistoryEntry `json:"history"`
}

// Snapshot returns the current externally visible state of the run.
func (r *PipelineRun) Snapshot() Snapshot {
	return Snapshot{
		RunID:       r.id,
		TaskID:      r.task.ID,
		State:       r.state,
		Retries:     r.retries,
		MaxRetries:  r.maxRetries,
		ArtifactSeq: r.activeSeq(),
		Outcome:     r.outcome,
		Reason:      r.reason,
		History:     r.History(),
	}
}

func summarize(findings FindingsList) string {
	if len(findings) == 0 {
		return ""
	}
	if len(findings) == 1 {
		return findings[0].Message
	}
	return fmt.Sprintf("%s (+%d more)", findings[0].Message, len(findings)-1)
}
