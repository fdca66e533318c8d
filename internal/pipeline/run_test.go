package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testTask() Task {
	return Task{
		ID:          "task-1",
		Requirement: "add pause support to the game loop",
		Target: TargetRef{
			Owner:      "lumaforge",
			Repo:       "tetris-battle",
			Branch:     "feat/issue-12-pause",
			BaseBranch: "main",
		},
		IssueNumber: 12,
	}
}

func newTestRun(t *testing.T, maxRetries int) *PipelineRun {
	t.Helper()
	run, err := NewRun("run-1", testTask(), maxRetries)
	require.NoError(t, err)
	require.NoError(t, run.Accept(t0))
	return run
}

func generate(t *testing.T, run *PipelineRun) {
	t.Helper()
	require.NoError(t, run.RecordArtifact(Artifact{ID: "art", Files: map[string]string{"game/loop.go": "package game"}}, t0))
}

func TestNewRunValidation(t *testing.T) {
	t.Run("rejects empty requirement", func(t *testing.T) {
		task := testTask()
		task.Requirement = ""
		_, err := NewRun("run-1", task, 3)
		require.Error(t, err)
		assert.True(t, IsFatalConfig(err))
	})

	t.Run("rejects missing target branch", func(t *testing.T) {
		task := testTask()
		task.Target.Branch = ""
		_, err := NewRun("run-1", task, 3)
		require.Error(t, err)
		assert.True(t, IsFatalConfig(err))
	})

	t.Run("rejects negative retry budget", func(t *testing.T) {
		_, err := NewRun("run-1", testTask(), -1)
		require.Error(t, err)
	})
}

// TestHappyPath walks Intake through Done and checks the terminal report.
func TestHappyPath(t *testing.T) {
	run := newTestRun(t, 3)
	generate(t, run)
	assert.Equal(t, StateReviewing, run.State())

	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	assert.Equal(t, StateTesting, run.State())

	require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
	assert.Equal(t, StateAwaitingApproval, run.State())

	require.NoError(t, run.SubmitForApproval(t0))
	state, err := run.RecordDecision(ApprovalDecision{Decision: DecisionApproved, DecidedAt: t0}, t0)
	require.NoError(t, err)
	assert.Equal(t, StateWriting, state)

	require.NoError(t, run.RecordWrite(WriteResult{Paths: []string{"game/loop.go"}, CommitSHA: "abc123"}, t0))
	assert.Equal(t, StatePublishing, run.State())

	require.NoError(t, run.RecordPublication(PublicationResult{Reference: "PR#7"}, t0))
	assert.Equal(t, StateDone, run.State())

	report := run.Report()
	assert.Equal(t, OutcomePublished, report.Outcome)
	assert.Equal(t, 0, report.Retries)
	assert.Equal(t, 1, report.Artifact.Sequence)
	require.NotEmpty(t, report.History)
	assert.Equal(t, HistoryPublished, report.History[len(report.History)-1].Outcome)
}

// TestScenarioA: test fail, retry with scoped feedback, then pass through.
func TestScenarioA(t *testing.T) {
	run := newTestRun(t, 3)
	generate(t, run)

	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	failures := FindingsList{{Message: "TestPause: expected paused state"}}
	require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictFail, Failures: failures}, t0))

	assert.Equal(t, StateCoding, run.State())
	assert.Equal(t, 1, run.Retries())
	assert.Equal(t, failures, run.Feedback())

	// v2: feedback is the test failures only, then the run passes through.
	generate(t, run)
	assert.Equal(t, 2, run.ActiveArtifact().Sequence)
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
	assert.Equal(t, StateAwaitingApproval, run.State())
	assert.Nil(t, run.Feedback())
}

// TestScenarioB: three consecutive test failures exhaust the budget.
func TestScenarioB(t *testing.T) {
	run := newTestRun(t, 3)

	for i := 0; i < 3; i++ {
		generate(t, run)
		require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
		require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictFail, Failures: FindingsList{{Message: "boom"}}}, t0))
		assert.Equal(t, StateCoding, run.State())
		assert.Equal(t, i+1, run.Retries())
	}

	// Fourth artifact, fourth failure: budget is spent.
	generate(t, run)
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictFail, Failures: FindingsList{{Message: "boom"}}}, t0))

	assert.Equal(t, StateAborted, run.State())
	assert.Equal(t, ReasonQualityExhausted, run.Reason())
	assert.Equal(t, 3, run.Retries())
	assert.LessOrEqual(t, run.Retries(), run.MaxRetries())

	// Terminal runs accept no further events.
	assert.ErrorIs(t, run.RecordTest(TestResult{Verdict: VerdictFail}, t0), ErrRunTerminal)
}

// TestFeedbackScoping: coding re-entry sees only the latest failed stage's findings.
func TestFeedbackScoping(t *testing.T) {
	run := newTestRun(t, 3)
	generate(t, run)

	reviewFindings := FindingsList{{Severity: "error", Message: "nil deref in pause handler", File: "game/loop.go", Line: 42}}
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictFail, Findings: reviewFindings}, t0))
	assert.Equal(t, reviewFindings, run.Feedback())

	generate(t, run)
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	testFailures := FindingsList{{Message: "TestResume: timeout"}}
	require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictFail, Failures: testFailures}, t0))

	// Only the test failures, not the earlier review findings.
	assert.Equal(t, testFailures, run.Feedback())
	assert.Equal(t, 2, run.Retries())
}

func TestReviewBeforeTest(t *testing.T) {
	run := newTestRun(t, 3)
	generate(t, run)

	// A test verdict cannot land while review is unresolved.
	err := run.RecordTest(TestResult{Verdict: VerdictPass}, t0)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StateReviewing, ite.From)
}

func TestGenerateFatalAborts(t *testing.T) {
	run := newTestRun(t, 3)
	require.NoError(t, run.RecordFatal(StateCoding, ReasonInfraExhausted, "provider timeout after 3 attempts", t0))
	assert.Equal(t, StateAborted, run.State())
	assert.Equal(t, ReasonInfraExhausted, run.Reason())
}

// TestScenarioD: persist succeeded, publish exhausted infra retries. The
// write result and artifact stay recorded in history.
func TestScenarioD(t *testing.T) {
	run := newTestRun(t, 3)
	generate(t, run)
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
	require.NoError(t, run.SubmitForApproval(t0))
	_, err := run.RecordDecision(ApprovalDecision{Decision: DecisionApproved}, t0)
	require.NoError(t, err)
	require.NoError(t, run.RecordWrite(WriteResult{Paths: []string{"game/loop.go"}}, t0))

	require.NoError(t, run.RecordFatal(StatePublishing, ReasonInfraExhausted, "github unreachable", t0))

	assert.Equal(t, StateAborted, run.State())
	assert.Equal(t, ReasonInfraExhausted, run.Reason())

	report := run.Report()
	require.NotNil(t, report.Artifact)
	var wrote bool
	for _, e := range report.History {
		if e.Stage == StateWriting && e.Outcome == HistoryWritten {
			wrote = true
		}
	}
	assert.True(t, wrote, "write must remain in history after publish abort")
}

func TestCancellation(t *testing.T) {
	t.Run("cancels a parked run", func(t *testing.T) {
		run := newTestRun(t, 3)
		generate(t, run)
		require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
		require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
		require.NoError(t, run.SubmitForApproval(t0))

		require.NoError(t, run.Cancel("superseded by task-9", t0))
		assert.Equal(t, StateAborted, run.State())
		assert.Equal(t, ReasonCanceled, run.Reason())
	})

	t.Run("refuses to cancel mid-publish", func(t *testing.T) {
		run := newTestRun(t, 3)
		generate(t, run)
		require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
		require.NoError(t, run.RecordTest(TestResult{Verdict: VerdictPass}, t0))
		require.NoError(t, run.SubmitForApproval(t0))
		_, err := run.RecordDecision(ApprovalDecision{Decision: DecisionApproved}, t0)
		require.NoError(t, err)
		require.NoError(t, run.RecordWrite(WriteResult{}, t0))

		assert.ErrorIs(t, run.Cancel("user abort", t0), ErrPublishInFlight)
		assert.Equal(t, StatePublishing, run.State())
	})

	t.Run("cancel on terminal run is rejected", func(t *testing.T) {
		run := newTestRun(t, 0)
		generate(t, run)
		require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictFail, Findings: FindingsList{{Message: "bad"}}}, t0))
		assert.ErrorIs(t, run.Cancel("late", t0), ErrRunTerminal)
	})
}

func TestHistoryIsAppendOnly(t *testing.T) {
	run := newTestRun(t, 3)
	generate(t, run)

	h1 := run.History()
	h1[0].Outcome = "tampered"

	h2 := run.History()
	assert.Equal(t, HistoryAccepted, h2[0].Outcome, "History must return a copy")

	var lengths []int
	lengths = append(lengths, len(run.History()))
	require.NoError(t, run.RecordReview(ReviewReport{Verdict: VerdictPass}, t0))
	lengths = append(lengths, len(run.History()))
	for i := 1; i < len(lengths); i++ {
		assert.Greater(t, lengths[i], lengths[i-1])
	}
}
