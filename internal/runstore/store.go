// Package runstore is the explicit registry of pipeline runs. It replaces any
// ambient global state with a store keyed by run ID and enforces branch-level
// serialization: two runs targeting the same branch never execute concurrently,
// the second waits in a queue until the first reaches a terminal state.
package runstore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lumaforge/luma/internal/pipeline"
)

// Phase is the registry's coarse view of a run. Fine-grained pipeline state
// lives in the workflow; the store only tracks admission and completion.
type Phase string

const (
	PhaseQueued   Phase = "queued"
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
)

// Entry is one registered run.
type Entry struct {
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id"`
	Task       pipeline.Task    `json:"task"`
	Phase      Phase            `json:"phase"`
	Outcome    pipeline.Outcome `json:"outcome,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

var (
	// ErrDuplicateRun is returned when a run ID is registered twice.
	ErrDuplicateRun = errors.New("run already registered")

	// ErrUnknownRun is returned for operations on unregistered runs.
	ErrUnknownRun = errors.New("unknown run")
)

// Store is a concurrency-safe run registry with per-branch admission.
type Store struct {
	mu        sync.Mutex
	runs      map[string]*Entry
	branches  map[string]*branchState
	serialize bool
}

// branchState tracks which run holds a branch and who is waiting for it.
type branchState struct {
	active  string
	waiting []string
}

// New creates a store. With serialize=false every registered run is admitted
// immediately and branches are not tracked.
func New(serialize bool) *Store {
	return &Store{
		runs:      make(map[string]*Entry),
		branches:  make(map[string]*branchState),
		serialize: serialize,
	}
}

// Register adds a run and decides admission. It returns true when the run may
// start now; false when another run holds the target branch, in which case the
// run is queued and will be returned by a later Release.
func (s *Store) Register(e Entry) (admitted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[e.RunID]; ok {
		return false, ErrDuplicateRun
	}

	if !s.serialize {
		e.Phase = PhaseRunning
		s.runs[e.RunID] = &e
		return true, nil
	}

	key := e.Task.Target.BranchKey()
	bs, ok := s.branches[key]
	if !ok {
		bs = &branchState{}
		s.branches[key] = bs
	}

	if bs.active == "" {
		bs.active = e.RunID
		e.Phase = PhaseRunning
		s.runs[e.RunID] = &e
		return true, nil
	}

	bs.waiting = append(bs.waiting, e.RunID)
	e.Phase = PhaseQueued
	s.runs[e.RunID] = &e
	return false, nil
}

// Finish marks a run terminal and releases its branch. When another run was
// queued on the branch it is promoted to running and returned so the caller
// can start it.
func (s *Store) Finish(runID string, outcome pipeline.Outcome) (next *Entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	e.Phase = PhaseFinished
	e.Outcome = outcome

	if !s.serialize {
		return nil, nil
	}

	key := e.Task.Target.BranchKey()
	bs, ok := s.branches[key]
	if !ok || bs.active != runID {
		return nil, nil
	}

	bs.active = ""
	for len(bs.waiting) > 0 {
		candidate := bs.waiting[0]
		bs.waiting = bs.waiting[1:]
		ne, ok := s.runs[candidate]
		if !ok || ne.Phase != PhaseQueued {
			continue // withdrawn while waiting
		}
		bs.active = candidate
		ne.Phase = PhaseRunning
		promoted := *ne
		return &promoted, nil
	}
	delete(s.branches, key)
	return nil, nil
}

// Withdraw removes a queued run before it started. Running runs are not
// withdrawable here; cancel the workflow instead.
func (s *Store) Withdraw(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return ErrUnknownRun
	}
	if e.Phase != PhaseQueued {
		return errors.New("run is not queued")
	}
	e.Phase = PhaseFinished
	e.Outcome = pipeline.OutcomeAborted
	return nil
}

// Get returns a copy of the entry for the given run ID.
func (s *Store) Get(runID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns all entries ordered by creation time.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.runs))
	for _, e := range s.runs {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
