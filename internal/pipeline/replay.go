package pipeline

import (
	"fmt"
	"strings"
)

// Replay rebuilds a run's final state from its append-only history. Given the
// same sequence of recorded stage outcomes it deterministically reproduces the
// run the log came from: state, retry counter, outcome and reason. Artifact
// payloads are not part of the log, so replayed artifacts carry sequence
// numbers only.
func Replay(id string, task Task, maxRetries int, entries []HistoryEntry) (*PipelineRun, error) {
	run, err := NewRun(id, task, maxRetries)
	if err != nil {
		return nil, err
	}

	for i, e := range entries {
		if run.State().Terminal() {
			// An exhausted retry budget writes its failed and aborted entries
			// from one event; replaying the failed entry already aborted the
			// run, so the paired aborted entry is consumed here.
			if e.Outcome == HistoryAbortedRecord && i > 0 && entries[i-1].Outcome == HistoryFailed {
				continue
			}
			return nil, fmt.Errorf("replay: entry %d (%s/%s) follows a terminal state", i, e.Stage, e.Outcome)
		}
		if err := run.applyEntry(e); err != nil {
			return nil, fmt.Errorf("replay: entry %d (%s/%s): %w", i, e.Stage, e.Outcome, err)
		}
	}
	return run, nil
}

func (r *PipelineRun) applyEntry(e HistoryEntry) error {
	switch e.Outcome {
	case HistoryAccepted:
		return r.Accept(e.At)
	case HistoryGenerated:
		return r.RecordArtifact(Artifact{}, e.At)
	case HistoryPassed:
		return r.applyVerdict(e, VerdictPass)
	case HistoryRetrying:
		return r.applyVerdict(e, VerdictFail)
	case HistoryFailed:
		// Exhausted-budget failure; the paired aborted entry is consumed by
		// the replay loop.
		return r.applyVerdict(e, VerdictFail)
	case HistoryAbortedRecord:
		reason, cause := splitAbortCause(e.Cause)
		return r.RecordFatal(e.Stage, reason, cause, e.At)
	case HistoryCanceled:
		return r.Cancel(e.Cause, e.At)
	case HistoryApproved, HistoryRejected, HistoryDeferred:
		if err := r.SubmitForApproval(e.At); err != nil {
			return err
		}
		_, err := r.RecordDecision(ApprovalDecision{Decision: decisionForOutcome(e.Outcome), Comment: e.Cause, DecidedAt: e.At}, e.At)
		return err
	case HistoryWritten:
		return r.RecordWrite(WriteResult{}, e.At)
	case HistoryPublished:
		return r.RecordPublication(PublicationResult{Reference: e.Cause}, e.At)
	default:
		return fmt.Errorf("unknown history outcome %q", e.Outcome)
	}
}

func (r *PipelineRun) applyVerdict(e HistoryEntry, v Verdict) error {
	var findings FindingsList
	if e.Cause != "" {
		findings = FindingsList{{Message: e.Cause}}
	}
	switch e.Stage {
	case StateReviewing:
		return r.RecordReview(ReviewReport{Verdict: v, Findings: findings}, e.At)
	case StateTesting:
		return r.RecordTest(TestResult{Verdict: v, Failures: findings}, e.At)
	default:
		return fmt.Errorf("verdict outcome recorded for non-quality stage %q", e.Stage)
	}
}

func decisionForOutcome(outcome string) Decision {
	switch outcome {
	case HistoryApproved:
		return DecisionApproved
	case HistoryRejected:
		return DecisionRejected
	default:
		return DecisionDeferred
	}
}

func splitAbortCause(cause string) (AbortReason, string) {
	if i := strings.Index(cause, ": "); i > 0 {
		return AbortReason(cause[:i]), cause[i+2:]
	}
	return ReasonFatalConfig, cause
}
