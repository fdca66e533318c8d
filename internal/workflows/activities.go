package workflows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/logging"
	"github.com/lumaforge/luma/internal/pipeline"
	"github.com/lumaforge/luma/internal/providers"
	"github.com/lumaforge/luma/internal/secrets"
)

// Activities bundles the providers the pipeline workflow executes against.
// Transient provider failures are retried here with the configured backoff
// budget; the workflow only ever sees classified, non-retryable errors.
type Activities struct {
	Source    providers.TaskSource
	Generator providers.Generator
	Reviewer  providers.Reviewer
	Tester    providers.Tester
	Persister providers.Persister
	Publisher providers.Publisher

	// Scanner screens artifacts for leaked credentials before persistence.
	// Nil disables scanning.
	Scanner *secrets.Scanner

	Retry providers.RetryConfig
	Log   *zap.Logger
}

func (a *Activities) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// scope attaches run and task identifiers to the context and returns a logger
// carrying them, so every provider retry logs its correlation IDs.
func (a *Activities) scope(ctx context.Context, runID, taskID string) (context.Context, *zap.Logger) {
	ctx = logging.WithRunID(ctx, runID)
	if taskID != "" {
		ctx = logging.WithTaskID(ctx, taskID)
	}
	return ctx, logging.For(ctx, a.logger())
}

// Activity inputs. Everything crossing the workflow/activity boundary is a
// serializable value.

type GenerateInput struct {
	RunID    string
	Task     pipeline.Task
	Feedback pipeline.FindingsList
}

type ReviewInput struct {
	RunID    string
	Task     pipeline.Task
	Artifact pipeline.Artifact
}

type TestInput struct {
	RunID    string
	Task     pipeline.Task
	Artifact pipeline.Artifact
}

type PersistInput struct {
	RunID    string
	Artifact pipeline.Artifact
	Target   pipeline.TargetRef
}

type PublishInput struct {
	RunID      string
	Task       pipeline.Task
	Artifact   pipeline.Artifact
	Target     pipeline.TargetRef
	TestAdvice string
}

type UpdateTaskStatusInput struct {
	RunID  string
	Task   pipeline.Task
	Status providers.TaskStatus
	Detail string
}

// GenerateActivity produces a candidate artifact for the task.
func (a *Activities) GenerateActivity(ctx context.Context, in GenerateInput) (pipeline.Artifact, error) {
	start := time.Now()
	ctx, log := a.scope(ctx, in.RunID, in.Task.ID)
	var artifact pipeline.Artifact
	err := providers.WithRetry(ctx, "generator", a.Retry, log, func(ctx context.Context) error {
		var err error
		artifact, err = a.Generator.Generate(ctx, in.Task, in.Feedback)
		return err
	})
	recordStage(ctx, "generate", start, err)
	if err != nil {
		return pipeline.Artifact{}, classifyActivityError(err)
	}
	return artifact, nil
}

// ReviewActivity judges the artifact against the task.
func (a *Activities) ReviewActivity(ctx context.Context, in ReviewInput) (pipeline.ReviewReport, error) {
	start := time.Now()
	ctx, log := a.scope(ctx, in.RunID, in.Task.ID)
	var report pipeline.ReviewReport
	err := providers.WithRetry(ctx, "reviewer", a.Retry, log, func(ctx context.Context) error {
		var err error
		report, err = a.Reviewer.Review(ctx, in.Task, in.Artifact)
		return err
	})
	recordStage(ctx, "review", start, err)
	if err != nil {
		return pipeline.ReviewReport{}, classifyActivityError(err)
	}
	return report, nil
}

// TestActivity runs the test suite against the staged artifact.
func (a *Activities) TestActivity(ctx context.Context, in TestInput) (pipeline.TestResult, error) {
	start := time.Now()
	ctx, log := a.scope(ctx, in.RunID, in.Task.ID)
	var result pipeline.TestResult
	err := providers.WithRetry(ctx, "tester", a.Retry, log, func(ctx context.Context) error {
		var err error
		result, err = a.Tester.Test(ctx, in.Task, in.Artifact)
		return err
	})
	recordStage(ctx, "test", start, err)
	if err != nil {
		return pipeline.TestResult{}, classifyActivityError(err)
	}
	return result, nil
}

// PersistActivity scans the artifact for secrets and commits it to the target
// branch. A detected secret blocks persistence outright.
func (a *Activities) PersistActivity(ctx context.Context, in PersistInput) (pipeline.WriteResult, error) {
	start := time.Now()
	ctx, log := a.scope(ctx, in.RunID, "")

	if a.Scanner != nil {
		if leaks := a.Scanner.ScanArtifact(in.Artifact); len(leaks) > 0 {
			err := providers.NewPermanent("secrets", describeLeaks(leaks), nil)
			recordStage(ctx, "persist", start, err)
			return pipeline.WriteResult{}, classifyActivityError(err)
		}
	}

	var result pipeline.WriteResult
	err := providers.WithRetry(ctx, "persister", a.Retry, log, func(ctx context.Context) error {
		var err error
		result, err = a.Persister.Persist(ctx, in.Artifact, in.Target)
		return err
	})
	recordStage(ctx, "persist", start, err)
	if err != nil {
		return pipeline.WriteResult{}, classifyActivityError(err)
	}
	return result, nil
}

// PublishActivity shares the persisted change externally. The publisher
// retries transient API failures internally.
func (a *Activities) PublishActivity(ctx context.Context, in PublishInput) (pipeline.PublicationResult, error) {
	start := time.Now()
	if a.Publisher == nil {
		err := &pipeline.FatalConfigError{Field: "publisher", Message: "no publisher configured"}
		recordStage(ctx, "publish", start, err)
		return pipeline.PublicationResult{}, classifyActivityError(err)
	}
	result, err := a.Publisher.Publish(ctx, providers.Publication{
		Artifact:   in.Artifact,
		Target:     in.Target,
		Task:       in.Task,
		TestAdvice: in.TestAdvice,
	})
	recordStage(ctx, "publish", start, err)
	if err != nil {
		return pipeline.PublicationResult{}, classifyActivityError(err)
	}
	return result, nil
}

// UpdateTaskStatusActivity reports the run's status back to the task source.
// Runs without a task source treat this as a no-op.
func (a *Activities) UpdateTaskStatusActivity(ctx context.Context, in UpdateTaskStatusInput) error {
	recordRunStatus(ctx, in.Status)
	if a.Source == nil {
		return nil
	}
	if err := a.Source.UpdateStatus(ctx, in.Task, in.Status, in.Detail); err != nil {
		return classifyActivityError(err)
	}
	return nil
}

func describeLeaks(leaks []secrets.Leak) string {
	const max = 5
	parts := make([]string, 0, max+1)
	for i, l := range leaks {
		if i == max {
			parts = append(parts, fmt.Sprintf("and %d more", len(leaks)-max))
			break
		}
		parts = append(parts, l.String())
	}
	return "artifact contains potential secrets: " + strings.Join(parts, "; ")
}
