// Package providers defines the narrow contracts the orchestrator consumes
// and the real adapters behind them: LLM-backed generation and review, a
// command-based tester, a git persister, and a GitHub task source/publisher.
//
// Every adapter failure is classified through ProviderError: transient
// infrastructure failures (timeouts, rate limits, connectivity) are retried at
// this boundary and never consume the pipeline's quality retry budget.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumaforge/luma/internal/pipeline"
)

// TaskStatus is the status reported back to the task source.
type TaskStatus string

const (
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPublished  TaskStatus = "published"
	TaskStatusRejected   TaskStatus = "rejected"
	TaskStatusAborted    TaskStatus = "aborted"
)

// TaskSource supplies tasks and receives terminal status updates.
type TaskSource interface {
	// FetchNext returns the next pending task, or nil when none is available.
	FetchNext(ctx context.Context) (*pipeline.Task, error)

	// UpdateStatus reports a run's status for the given task.
	UpdateStatus(ctx context.Context, task pipeline.Task, status TaskStatus, detail string) error
}

// Generator produces a candidate artifact for a task. On a retry cycle the
// feedback carries exactly the findings of the stage that failed, nothing else.
type Generator interface {
	Generate(ctx context.Context, task pipeline.Task, feedback pipeline.FindingsList) (pipeline.Artifact, error)
}

// Reviewer judges an artifact and reports structured findings.
type Reviewer interface {
	Review(ctx context.Context, task pipeline.Task, artifact pipeline.Artifact) (pipeline.ReviewReport, error)
}

// Tester exercises an artifact and reports structured failures.
type Tester interface {
	Test(ctx context.Context, task pipeline.Task, artifact pipeline.Artifact) (pipeline.TestResult, error)
}

// Persister applies an artifact to the working tree of the target and commits.
type Persister interface {
	Persist(ctx context.Context, artifact pipeline.Artifact, target pipeline.TargetRef) (pipeline.WriteResult, error)
}

// Publication bundles what the publisher needs beyond the artifact itself.
type Publication struct {
	Artifact   pipeline.Artifact
	Target     pipeline.TargetRef
	Task       pipeline.Task
	TestAdvice string
}

// Publisher shares the persisted change externally, e.g. as a pull request.
type Publisher interface {
	Publish(ctx context.Context, pub Publication) (pipeline.PublicationResult, error)
}

// ProviderError classifies an adapter failure. Transient failures are
// infrastructure conditions worth retrying with backoff; everything else is
// surfaced to the orchestrator as fatal for the affected stage.
type ProviderError struct {
	Provider  string
	Transient bool
	Message   string
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s failure: %s: %v", e.Provider, kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %s", e.Provider, kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable infrastructure failure.
func NewTransient(provider, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Transient: true, Message: message, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(provider, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Transient: false, Message: message, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient provider failure.
// Context deadline expiry counts as transient: a timed-out call is an
// infrastructure condition, not a quality judgment.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}
