package runstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumaforge/luma/internal/pipeline"
)

func entry(runID, branch string) Entry {
	return Entry{
		RunID:      runID,
		WorkflowID: "wf-" + runID,
		Task: pipeline.Task{
			ID:          "task-" + runID,
			Requirement: "do the thing",
			Target:      pipeline.TargetRef{Owner: "o", Repo: "r", Branch: branch, BaseBranch: "main"},
		},
		CreatedAt: time.Now(),
	}
}

// TestBranchSerialization covers Scenario E: the second run on a branch is
// queued until the first reaches a terminal state.
func TestBranchSerialization(t *testing.T) {
	s := New(true)

	admitted, err := s.Register(entry("r1", "feat/x"))
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = s.Register(entry("r2", "feat/x"))
	require.NoError(t, err)
	assert.False(t, admitted, "second run on the same branch must queue")

	e2, ok := s.Get("r2")
	require.True(t, ok)
	assert.Equal(t, PhaseQueued, e2.Phase)

	// A different branch is independent.
	admitted, err = s.Register(entry("r3", "feat/y"))
	require.NoError(t, err)
	assert.True(t, admitted)

	// Finishing r1 promotes r2.
	next, err := s.Finish("r1", pipeline.OutcomePublished)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "r2", next.RunID)
	assert.Equal(t, PhaseRunning, next.Phase)

	next, err = s.Finish("r2", pipeline.OutcomeAborted)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestSerializationDisabled(t *testing.T) {
	s := New(false)

	for i := 0; i < 3; i++ {
		admitted, err := s.Register(entry(fmt.Sprintf("r%d", i), "feat/x"))
		require.NoError(t, err)
		assert.True(t, admitted)
	}

	next, err := s.Finish("r0", pipeline.OutcomePublished)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDuplicateRegistration(t *testing.T) {
	s := New(true)
	_, err := s.Register(entry("r1", "feat/x"))
	require.NoError(t, err)
	_, err = s.Register(entry("r1", "feat/x"))
	assert.ErrorIs(t, err, ErrDuplicateRun)
}

func TestWithdrawQueuedRun(t *testing.T) {
	s := New(true)
	_, err := s.Register(entry("r1", "feat/x"))
	require.NoError(t, err)
	_, err = s.Register(entry("r2", "feat/x"))
	require.NoError(t, err)
	_, err = s.Register(entry("r3", "feat/x"))
	require.NoError(t, err)

	require.NoError(t, s.Withdraw("r2"))
	assert.Error(t, s.Withdraw("r1"), "running run cannot be withdrawn")

	// r2 was withdrawn while waiting, so finishing r1 promotes r3.
	next, err := s.Finish("r1", pipeline.OutcomePublished)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "r3", next.RunID)
}

func TestFinishUnknownRun(t *testing.T) {
	s := New(true)
	_, err := s.Finish("nope", pipeline.OutcomeAborted)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestListOrdering(t *testing.T) {
	s := New(true)
	base := time.Now()
	for i := 2; i >= 0; i-- {
		e := entry(fmt.Sprintf("r%d", i), fmt.Sprintf("feat/%d", i))
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := s.Register(e)
		require.NoError(t, err)
	}
	got := s.List()
	require.Len(t, got, 3)
	assert.Equal(t, "r0", got[0].RunID)
	assert.Equal(t, "r2", got[2].RunID)
}

// TestConcurrentAdmission checks that exactly one concurrent registrant per
// branch is admitted.
func TestConcurrentAdmission(t *testing.T) {
	s := New(true)

	const n = 32
	var wg sync.WaitGroup
	admittedCh := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			admitted, err := s.Register(entry(fmt.Sprintf("r%d", i), "feat/contended"))
			require.NoError(t, err)
			if admitted {
				admittedCh <- fmt.Sprintf("r%d", i)
			}
		}(i)
	}
	wg.Wait()
	close(admittedCh)

	var winners []string
	for id := range admittedCh {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1)

	// Draining the queue admits every run exactly once.
	seen := map[string]bool{winners[0]: true}
	current := winners[0]
	for {
		next, err := s.Finish(current, pipeline.OutcomePublished)
		require.NoError(t, err)
		if next == nil {
			break
		}
		assert.False(t, seen[next.RunID], "run %s promoted twice", next.RunID)
		seen[next.RunID] = true
		current = next.RunID
	}
	assert.Len(t, seen, n)
}
