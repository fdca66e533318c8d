// Package pipeline implements the core state machine for automated code-change runs.
// It is pure domain logic: no I/O, no clocks beyond caller-supplied timestamps, so a
// run advanced with the same sequence of stage outcomes always lands in the same state.
package pipeline

import (
	"time"
)

// State is a position in the pipeline state machine.
type State string

const (
	StateIntake           State = "intake"
	StateCoding           State = "coding"
	StateReviewing        State = "reviewing"
	StateTesting          State = "testing"
	StateAwaitingApproval State = "awaiting_approval"
	StateWriting          State = "writing"
	StatePublishing       State = "publishing"
	StateDone             State = "done"
	StateAborted          State = "aborted"
	StateRejected         State = "rejected"
)

// Terminal reports whether the state is a terminal state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted || s == StateRejected
}

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeAborted   Outcome = "aborted"
	OutcomeRejected  Outcome = "rejected"
)

// AbortReason distinguishes why a run aborted.
type AbortReason string

const (
	ReasonQualityExhausted AbortReason = "quality_exhausted"
	ReasonInfraExhausted   AbortReason = "infra_exhausted"
	ReasonFatalConfig      AbortReason = "fatal_config"
	ReasonCanceled         AbortReason = "canceled"
)

// Verdict is a pass/fail judgment from a quality stage.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// TargetRef identifies where a change lands: a repository plus the branch
// the run works on and the base branch pull requests merge into.
type TargetRef struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`
}

// BranchKey returns the serialization key for branch-level run exclusion.
// Two runs with the same key must not execute concurrently.
func (t TargetRef) BranchKey() string {
	return t.Owner + "/" + t.Repo + "#" + t.Branch
}

// Task is the immutable unit of work fed into a run.
type Task struct {
	ID          string    `json:"id"`
	Requirement string    `json:"requirement"`
	Target      TargetRef `json:"target"`

	// ParentID links to a superseded or originating task, if any.
	ParentID string `json:"parent_id,omitempty"`

	// IssueNumber is set when the task originated from an issue tracker.
	IssueNumber int `json:"issue_number,omitempty"`

	// SourceFiles lists repository files supplied as generation context.
	SourceFiles []string `json:"source_files,omitempty"`
}

// Validate checks the task is well-formed enough to start a run.
func (t Task) Validate() error {
	if t.ID == "" {
		return &FatalConfigError{Field: "task.id", Message: "task id is required"}
	}
	if t.Requirement == "" {
		return &FatalConfigError{Field: "task.requirement", Message: "requirement text is required"}
	}
	if t.Target.Repo == "" || t.Target.Branch == "" {
		return &FatalConfigError{Field: "task.target", Message: "target repo and branch are required"}
	}
	return nil
}

// Artifact is one candidate code-change version. Artifacts are retained for the
// life of the run and never mutated; each regeneration produces a new sequence.
type Artifact struct {
	ID       string            `json:"id"`
	RunID    string            `json:"run_id"`
	Sequence int               `json:"sequence"`
	Files    map[string]string `json:"files"`

	// Raw is the unparsed provider output, kept for review context and audit.
	Raw string `json:"raw,omitempty"`
}

// Finding is one structured defect from review or testing.
type Finding struct {
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// FindingsList carries the findings of exactly one failed stage. Feedback into
// a regeneration is always a single stage's list, never accumulated history.
type FindingsList []Finding

// ReviewReport is a review verdict attached to one artifact version.
type ReviewReport struct {
	ArtifactID string       `json:"artifact_id"`
	Verdict    Verdict      `json:"verdict"`
	Findings   FindingsList `json:"findings,omitempty"`

	// TestAdvice is the reviewer's suggested test cases, surfaced in the
	// publication body. Advisory only, never gates the run.
	TestAdvice string `json:"test_advice,omitempty"`
}

// TestResult is a test verdict attached to one artifact version.
type TestResult struct {
	ArtifactID string       `json:"artifact_id"`
	Verdict    Verdict      `json:"verdict"`
	Failures   FindingsList `json:"failures,omitempty"`
}

// Decision is a human approval verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionDeferred Decision = "deferred"
)

// ApprovalDecision records a human decision on the artifact version presented.
type ApprovalDecision struct {
	ArtifactID string    `json:"artifact_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// WriteResult is the outcome of persisting an artifact to the working tree.
type WriteResult struct {
	ArtifactID string   `json:"artifact_id"`
	CommitSHA  string   `json:"commit_sha,omitempty"`
	Paths      []string `json:"paths"`
}

// PublicationResult is the outcome of publishing an artifact externally,
// e.g. the change-request number and URL.
type PublicationResult struct {
	ArtifactID string `json:"artifact_id"`
	Reference  string `json:"reference"`
	URL        string `json:"url,omitempty"`
}

// HistoryEntry is one append-only record of a stage execution. The terminal
// report is a pure projection of these entries.
type HistoryEntry struct {
	Stage       State     `json:"stage"`
	ArtifactSeq int       `json:"artifact_seq,omitempty"`
	Outcome     string    `json:"outcome"`
	Cause       string    `json:"cause,omitempty"`
	At          time.Time `json:"at"`
}

// History entry outcomes. Each recorded transition names an explicit cause.
const (
	HistoryAccepted      = "accepted"
	HistoryGenerated     = "generated"
	HistoryPassed        = "passed"
	HistoryFailed        = "failed"
	HistoryRetrying      = "retrying"
	HistoryApproved      = "approved"
	HistoryRejected      = "rejected"
	HistoryDeferred      = "deferred"
	HistoryWritten       = "written"
	HistoryPublished     = "published"
	HistoryAbortedRecord = "aborted"
	HistoryCanceled      = "canceled"
)

// TerminalReport is the externally reported result of a finished run.
type TerminalReport struct {
	RunID    string         `json:"run_id"`
	TaskID   string         `json:"task_id"`
	Outcome  Outcome        `json:"outcome"`
	Reason   AbortReason    `json:"reason,omitempty"`
	Retries  int            `json:"retries"`
	History  []HistoryEntry `json:"history"`
	Artifact *Artifact      `json:"artifact,omitempty"`
}
