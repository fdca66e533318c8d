package pipeline

import "time"

// approvalGate tracks the human-approval checkpoint for one run. It enforces
// at most one outstanding approval request and at most one Writing transition:
// duplicate or late decision signals are absorbed as no-ops.
type approvalGate struct {
	pending bool
	decided bool
}

// SubmitForApproval marks the run as parked at the approval checkpoint.
// It may only be called in AwaitingApproval and only once per presentation;
// a deferred decision leaves the request outstanding, so re-submission after
// a defer is a no-op rather than an error.
func (r *PipelineRun) SubmitForApproval(now time.Time) error {
	if err := r.require(StateAwaitingApproval, "submit_for_approval"); err != nil {
		return err
	}
	if r.gate.pending {
		return nil
	}
	r.gate.pending = true
	return nil
}

// ApprovalPending reports whether a decision is outstanding.
func (r *PipelineRun) ApprovalPending() bool {
	return r.gate.pending && !r.gate.decided
}

// RecordDecision applies a human decision to the presented artifact version.
//
//   - approved: exactly-once transition to Writing; a second approved on a run
//     that already advanced (or terminated) returns the current state unchanged.
//   - rejected: terminal Rejected, a deliberate stop distinct from Aborted.
//   - deferred: no state change; the run stays parked and retries nothing.
func (r *PipelineRun) RecordDecision(d ApprovalDecision, now time.Time) (State, error) {
	// Late duplicates after the gate resolved are no-ops by contract.
	if r.gate.decided || r.state.Terminal() || r.state == StateWriting || r.state == StatePublishing {
		return r.state, nil
	}
	if r.state != StateAwaitingApproval || !r.gate.pending {
		return r.state, ErrNoOutstandingApproval
	}

	if a := r.ActiveArtifact(); a != nil && d.ArtifactID == "" {
		d.ArtifactID = a.ID
	}

	switch d.Decision {
	case DecisionApproved:
		r.gate.decided = true
		r.decisions = append(r.decisions, d)
		r.state = StateWriting
		r.append(HistoryEntry{Stage: StateAwaitingApproval, ArtifactSeq: r.activeSeq(), Outcome: HistoryApproved, Cause: d.Comment, At: now})
	case DecisionRejected:
		r.gate.decided = true
		r.decisions = append(r.decisions, d)
		r.state = StateRejected
		r.outcome = OutcomeRejected
		r.append(HistoryEntry{Stage: StateAwaitingApproval, ArtifactSeq: r.activeSeq(), Outcome: HistoryRejected, Cause: d.Comment, At: now})
	case DecisionDeferred:
		// Parked: no retry consumed, no sequence advanced, request stays open.
		r.decisions = append(r.decisions, d)
		r.append(HistoryEntry{Stage: StateAwaitingApproval, ArtifactSeq: r.activeSeq(), Outcome: HistoryDeferred, Cause: d.Comment, At: now})
	default:
		return r.state, &InvalidTransitionError{From: r.state, Event: "decision:" + string(d.Decision)}
	}
	return r.state, nil
}

// Decisions returns all recorded approval decisions, including defers.
func (r *PipelineRun) Decisions() []ApprovalDecision {
	out := make([]ApprovalDecision, len(r.decisions))
	copy(out, r.decisions)
	return out
}
