package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReplayReproducesFinalState drives runs through representative outcome
// sequences and checks that replaying the recorded history lands in the same
// state, retry count, outcome and reason.
func TestReplayReproducesFinalState(t *testing.T) {
	scenarios := []struct {
		name  string
		drive func(t *testing.T) *PipelineRun
	}{
		{
			name: "published after one retry",
			drive: func(t *testing.T) *PipelineRun {
				run := newTestRun(t, 3)
				generate(t, run)
				require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
				require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictFail, Failures: FindingsList{{Message: "flaky"}}}, t0))
				generate(t, run)
				require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
				require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
				require.NoError(t, run.SubmitForApproval(t0))
				_, err := run.RecordDecision(ApprovalDecision{Decision: DecisionApproved}, t0)
				require.NoError(t, err)
				require.NoError(t, run.RecordWrite(WriteResult{}, t0))
				require.NoError(t, run.RecordPublication(PublicationResult{Reference: "PR#9"}, t0))
				return run
			},
		},
		{
			name: "quality exhausted",
			drive: func(t *testing.T) *PipelineRun {
				run := newTestRun(t, 1)
				generate(t, run)
				require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictFail, Findings: FindingsList{{Message: "bad"}}}, t0))
				generate(t, run)
				require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictFail, Findings: FindingsList{{Message: "still bad"}}}, t0))
				return run
			},
		},
		{
			name: "rejected after a defer",
			drive: func(t *testing.T) *PipelineRun {
				run := newTestRun(t, 3)
				generate(t, run)
				require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
				require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
				require.NoError(t, run.SubmitForApproval(t0))
				_, err := run.RecordDecision(ApprovalDecision{Decision: DecisionDeferred}, t0)
				require.NoError(t, err)
				_, err = run.RecordDecision(ApprovalDecision{Decision: DecisionRejected, Comment: "no"}, t0)
				require.NoError(t, err)
				return run
			},
		},
		{
			name: "infra exhausted during publish",
			drive: func(t *testing.T) *PipelineRun {
				run := newTestRun(t, 3)
				generate(t, run)
				require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
				require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
				require.NoError(t, run.SubmitForApproval(t0))
				_, err := run.RecordDecision(ApprovalDecision{Decision: DecisionApproved}, t0)
				require.NoError(t, err)
				require.NoError(t, run.RecordWrite(WriteResult{}, t0))
				require.NoError(t, run.RecordFatal(StatePublishing, ReasonInfraExhausted, "unreachable", t0))
				return run
			},
		},
		{
			name: "canceled while parked",
			drive: func(t *testing.T) *PipelineRun {
				run := newTestRun(t, 3)
				generate(t, run)
				require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
				require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
				require.NoError(t, run.SubmitForApproval(t0))
				require.NoError(t, run.Cancel("user abort", t0))
				return run
			},
		},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			run := sc.drive(t)

			replayed, err := Replay(run.ID(), run.Task(), run.MaxRetries(), run.History())
			require.NoError(t, err)

			assert.Equal(t, run.State(), replayed.State())
			assert.Equal(t, run.Retries(), replayed.Retries())
			assert.Equal(t, run.Outcome(), replayed.Outcome())
			assert.Equal(t, run.Reason(), replayed.Reason())
			assert.Equal(t, run.History(), replayed.History())
		})
	}
}

func TestReplayRejectsEventsAfterTerminal(t *testing.T) {
	run := newTestRun(t, 0)
	generate(t, run)
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictFail, Findings: FindingsList{{Message: "bad"}}}, t0))

	entries := run.History()
	entries = append(entries, HistoryEntry{Stage: StateCoding, Outcome: HistoryGenerated, At: t0})

	_, err := Replay(run.ID(), run.Task(), run.MaxRetries(), entries)
	require.Error(t, err)
}

// TestReplayAbsorbsPairedAbortEntry replays an exhausted-budget history as
// recorded: the failed entry and its paired aborted entry both appear, and the
// replay must land on the same aborted run instead of rejecting the pair.
func TestReplayAbsorbsPairedAbortEntry(t *testing.T) {
	run := newTestRun(t, 0)
	generate(t, run)
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictFail, Failures: FindingsList{{Message: "TestPause hangs"}}}, t0))
	require.Equal(t, StateAborted, run.State())

	entries := run.History()
	require.Equal(t, HistoryFailed, entries[len(entries)-2].Outcome)
	require.Equal(t, HistoryAbortedRecord, entries[len(entries)-1].Outcome)

	replayed, err := Replay(run.ID(), run.Task(), run.MaxRetries(), entries)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, replayed.State())
	assert.Equal(t, ReasonQualityExhausted, replayed.Reason())
	assert.Equal(t, run.History(), replayed.History())
}

func TestReplayRejectsStrayAbortAfterCancel(t *testing.T) {
	run := newTestRun(t, 3)
	generate(t, run)
	require.NoError(t, run.Cancel("user abort", t0))

	entries := run.History()
	entries = append(entries, HistoryEntry{Stage: StateCoding, Outcome: HistoryAbortedRecord, Cause: "fatal_config: bogus", At: t0})

	_, err := Replay(run.ID(), run.Task(), run.MaxRetries(), entries)
	require.Error(t, err)
}
