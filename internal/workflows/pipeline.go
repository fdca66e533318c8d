// Package workflows provides the Temporal workflow driving automated
// code-change runs: generate, review, test, human approval, persist, publish.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/lumaforge/luma/internal/pipeline"
	"github.com/lumaforge/luma/internal/providers"
)

// Signal and query names on the pipeline workflow.
const (
	SignalApprovalDecision = "approval-decision"
	SignalCancelRun        = "cancel-run"
	QueryRunStatus         = "run-status"
)

// RunConfig carries the per-run pipeline policy.
type RunConfig struct {
	// MaxRetries is the quality retry budget shared by review and test.
	MaxRetries int

	// ApprovalTimeout bounds the wait for a human decision. Zero waits
	// indefinitely. The window spans the whole checkpoint; a defer does not
	// extend it.
	ApprovalTimeout time.Duration

	// TimeoutDecision is applied when the approval window elapses:
	// "rejected" or "aborted".
	TimeoutDecision string
}

// PipelineInput starts one pipeline run.
type PipelineInput struct {
	RunID  string
	Task   pipeline.Task
	Config RunConfig
}

// ApprovalSignal is the payload of the approval-decision signal.
type ApprovalSignal struct {
	Decision pipeline.Decision `json:"decision"`
	Comment  string            `json:"comment,omitempty"`
}

// CancelSignal is the payload of the cancel-run signal.
type CancelSignal struct {
	Cause string `json:"cause,omitempty"`
}

// PipelineWorkflow executes one run to its terminal state and returns the
// terminal report. Quality failures loop back through generation until the
// retry budget is spent; infrastructure and configuration failures abort.
// Human decisions and cancellation arrive as signals.
func PipelineWorkflow(ctx workflow.Context, input PipelineInput) (*pipeline.TerminalReport, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting pipeline run",
		"run_id", input.RunID,
		"task_id", input.Task.ID,
		"branch", input.Task.Target.Branch)

	run, err := pipeline.NewRun(input.RunID, input.Task, input.Config.MaxRetries)
	if err != nil {
		// The task never passed intake; report the abort without an aggregate.
		logger.Error("Task rejected at intake", "error", err)
		return &pipeline.TerminalReport{
			RunID:   input.RunID,
			TaskID:  input.Task.ID,
			Outcome: pipeline.OutcomeAborted,
			Reason:  pipeline.ReasonFatalConfig,
		}, nil
	}

	if err := workflow.SetQueryHandler(ctx, QueryRunStatus, func() (pipeline.Snapshot, error) {
		return run.Snapshot(), nil
	}); err != nil {
		return nil, err
	}

	approvalCh := workflow.GetSignalChannel(ctx, SignalApprovalDecision)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancelRun)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
			NonRetryableErrorTypes: []string{
				ErrTypeFatalConfig,
				ErrTypeInfraExhausted,
				ErrTypePermanent,
			},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities

	if err := run.Accept(workflow.Now(ctx)); err != nil {
		return nil, err
	}
	if err := workflow.ExecuteActivity(ctx, a.UpdateTaskStatusActivity, UpdateTaskStatusInput{
		RunID:  run.ID(),
		Task:   run.Task(),
		Status: providers.TaskStatusInProgress,
	}).Get(ctx, nil); err != nil {
		// Status reporting never gates the run.
		logger.Warn("Failed to mark task in progress", "error", err)
	}

	var testAdvice string
	var publication pipeline.PublicationResult

	for !run.State().Terminal() {
		drainCancel(ctx, run, cancelCh)
		if run.State().Terminal() {
			break
		}

		switch run.State() {
		case pipeline.StateCoding:
			// Advice belongs to the artifact version whose review produced it.
			testAdvice = ""
			var artifact pipeline.Artifact
			err := workflow.ExecuteActivity(ctx, a.GenerateActivity, GenerateInput{
				RunID:    run.ID(),
				Task:     run.Task(),
				Feedback: run.Feedback(),
			}).Get(ctx, &artifact)
			if err != nil {
				failStage(ctx, run, pipeline.StateCoding, err)
				continue
			}
			if err := run.RecordArtifact(artifact, workflow.Now(ctx)); err != nil {
				return nil, err
			}

		case pipeline.StateReviewing:
			var report pipeline.ReviewReport
			err := workflow.ExecuteActivity(ctx, a.ReviewActivity, ReviewInput{
				RunID:    run.ID(),
				Task:     run.Task(),
				Artifact: *run.ActiveArtifact(),
			}).Get(ctx, &report)
			if err != nil {
				failStage(ctx, run, pipeline.StateReviewing, err)
				continue
			}
			if report.TestAdvice != "" {
				testAdvice = report.TestAdvice
			}
			if err := run.RecordReview(report, workflow.Now(ctx)); err != nil {
				return nil, err
			}

		case pipeline.StateTesting:
			var result pipeline.TestResult
			err := workflow.ExecuteActivity(ctx, a.TestActivity, TestInput{
				RunID:    run.ID(),
				Task:     run.Task(),
				Artifact: *run.ActiveArtifact(),
			}).Get(ctx, &result)
			if err != nil {
				failStage(ctx, run, pipeline.StateTesting, err)
				continue
			}
			if err := run.RecordTest(result, workflow.Now(ctx)); err != nil {
				return nil, err
			}

		case pipeline.StateAwaitingApproval:
			if err := awaitApproval(ctx, run, input.Config, approvalCh, cancelCh); err != nil {
				return nil, err
			}

		case pipeline.StateWriting:
			var result pipeline.WriteResult
			err := workflow.ExecuteActivity(ctx, a.PersistActivity, PersistInput{
				RunID:    run.ID(),
				Artifact: *run.ActiveArtifact(),
				Target:   run.Task().Target,
			}).Get(ctx, &result)
			if err != nil {
				failStage(ctx, run, pipeline.StateWriting, err)
				continue
			}
			if err := run.RecordWrite(result, workflow.Now(ctx)); err != nil {
				return nil, err
			}

		case pipeline.StatePublishing:
			err := workflow.ExecuteActivity(ctx, a.PublishActivity, PublishInput{
				RunID:      run.ID(),
				Task:       run.Task(),
				Artifact:   *run.ActiveArtifact(),
				Target:     run.Task().Target,
				TestAdvice: testAdvice,
			}).Get(ctx, &publication)
			if err != nil {
				failStage(ctx, run, pipeline.StatePublishing, err)
				continue
			}
			if err := run.RecordPublication(publication, workflow.Now(ctx)); err != nil {
				return nil, err
			}
		}
	}

	status, detail := terminalStatus(run, publication)
	if err := workflow.ExecuteActivity(ctx, a.UpdateTaskStatusActivity, UpdateTaskStatusInput{
		RunID:  run.ID(),
		Task:   run.Task(),
		Status: status,
		Detail: detail,
	}).Get(ctx, nil); err != nil {
		logger.Warn("Failed to report terminal status", "error", err)
	}

	report := run.Report()
	logger.Info("Pipeline run finished",
		"run_id", run.ID(),
		"outcome", report.Outcome,
		"reason", report.Reason,
		"retries", report.Retries)
	return &report, nil
}

// awaitApproval parks the run at the human checkpoint until a decision
// resolves it, the run is canceled, or the approval window elapses.
func awaitApproval(ctx workflow.Context, run *pipeline.PipelineRun, cfg RunConfig, approvalCh, cancelCh workflow.ReceiveChannel) error {
	logger := workflow.GetLogger(ctx)

	if err := run.SubmitForApproval(workflow.Now(ctx)); err != nil {
		return err
	}

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()
	var timer workflow.Future
	if cfg.ApprovalTimeout > 0 {
		timer = workflow.NewTimer(timerCtx, cfg.ApprovalTimeout)
	}

	timerFired := false
	for run.State() == pipeline.StateAwaitingApproval && !timerFired {
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(approvalCh, func(c workflow.ReceiveChannel, more bool) {
			var sig ApprovalSignal
			c.Receive(ctx, &sig)
			now := workflow.Now(ctx)
			state, err := run.RecordDecision(pipeline.ApprovalDecision{
				Decision:  sig.Decision,
				Comment:   sig.Comment,
				DecidedAt: now,
			}, now)
			if err != nil {
				logger.Warn("Ignoring invalid approval decision", "decision", sig.Decision, "error", err)
				return
			}
			logger.Info("Approval decision recorded", "decision", sig.Decision, "state", state)
		})
		selector.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
			var sig CancelSignal
			c.Receive(ctx, &sig)
			if err := run.Cancel(cancelCause(sig), workflow.Now(ctx)); err != nil {
				logger.Warn("Cancellation not honored", "state", run.State(), "error", err)
			}
		})
		if timer != nil {
			selector.AddFuture(timer, func(f workflow.Future) {
				timerFired = true
			})
		}
		selector.Select(ctx)
	}

	if timerFired && run.State() == pipeline.StateAwaitingApproval {
		logger.Info("Approval window elapsed", "decision", cfg.TimeoutDecision)
		now := workflow.Now(ctx)
		if cfg.TimeoutDecision == "rejected" {
			_, err := run.RecordDecision(pipeline.ApprovalDecision{
				Decision:  pipeline.DecisionRejected,
				Comment:   "approval window elapsed",
				DecidedAt: now,
			}, now)
			return err
		}
		return run.Cancel("approval window elapsed", now)
	}
	return nil
}

// drainCancel applies any buffered cancellation signals. A cancel that lands
// while a publish is executing is refused by the aggregate and logged.
func drainCancel(ctx workflow.Context, run *pipeline.PipelineRun, cancelCh workflow.ReceiveChannel) {
	var sig CancelSignal
	for cancelCh.ReceiveAsync(&sig) {
		if err := run.Cancel(cancelCause(sig), workflow.Now(ctx)); err != nil {
			workflow.GetLogger(ctx).Info("Cancellation not honored", "state", run.State(), "error", err)
		}
	}
}

func cancelCause(sig CancelSignal) string {
	if sig.Cause != "" {
		return sig.Cause
	}
	return "canceled by operator"
}

func failStage(ctx workflow.Context, run *pipeline.PipelineRun, stage pipeline.State, err error) {
	workflow.GetLogger(ctx).Error("Stage failed", "stage", stage, "error", err)
	if recErr := run.RecordFatal(stage, abortReasonFor(err), causeFor(err), workflow.Now(ctx)); recErr != nil {
		workflow.GetLogger(ctx).Warn("Could not record stage failure", "error", recErr)
	}
}

// terminalStatus maps the finished run onto the status reported to the task
// source, with a human-readable detail line.
func terminalStatus(run *pipeline.PipelineRun, publication pipeline.PublicationResult) (providers.TaskStatus, string) {
	switch run.Outcome() {
	case pipeline.OutcomePublished:
		detail := publication.Reference
		if publication.URL != "" {
			detail = publication.URL
		}
		return providers.TaskStatusPublished, detail
	case pipeline.OutcomeRejected:
		return providers.TaskStatusRejected, "change rejected by reviewer"
	default:
		return providers.TaskStatusAborted, string(run.Reason())
	}
}
