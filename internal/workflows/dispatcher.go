package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/pipeline"
	"github.com/lumaforge/luma/internal/runstore"
)

// TemporalClient is the slice of the Temporal client the dispatcher needs.
// client.Client satisfies it.
type TemporalClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error)
}

// Dispatcher admits tasks through the run registry and drives their workflows.
// When branch serialization queues a run, the dispatcher starts it as soon as
// the run holding the branch finishes.
type Dispatcher struct {
	Temporal  TemporalClient
	Store     *runstore.Store
	TaskQueue string
	Config    RunConfig
	Log       *zap.Logger
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Submit registers the task as a new run. The run starts immediately when its
// target branch is free, otherwise it waits in the branch queue.
func (d *Dispatcher) Submit(ctx context.Context, task pipeline.Task) (runstore.Entry, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	runID := uuid.NewString()
	entry := runstore.Entry{
		RunID:      runID,
		WorkflowID: workflowID(runID),
		Task:       task,
		CreatedAt:  time.Now(),
	}

	admitted, err := d.Store.Register(entry)
	if err != nil {
		return runstore.Entry{}, err
	}

	if admitted {
		if err := d.start(ctx, entry); err != nil {
			_, _ = d.Store.Finish(runID, pipeline.OutcomeAborted)
			return runstore.Entry{}, err
		}
	} else {
		d.logger().Info("run queued behind branch",
			zap.String("run_id", runID),
			zap.String("branch", task.Target.BranchKey()),
		)
	}

	current, _ := d.Store.Get(runID)
	return current, nil
}

func (d *Dispatcher) start(ctx context.Context, entry runstore.Entry) error {
	run, err := d.Temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        entry.WorkflowID,
		TaskQueue: d.TaskQueue,
	}, PipelineWorkflow, PipelineInput{
		RunID:  entry.RunID,
		Task:   entry.Task,
		Config: d.Config,
	})
	if err != nil {
		return fmt.Errorf("starting workflow %s: %w", entry.WorkflowID, err)
	}

	d.logger().Info("run started",
		zap.String("run_id", entry.RunID),
		zap.String("workflow_id", entry.WorkflowID),
		zap.String("branch", entry.Task.Target.BranchKey()),
	)

	go d.watch(entry.RunID, run)
	return nil
}

// watch waits for a workflow to finish, records the outcome, and starts the
// next run queued on the released branch.
func (d *Dispatcher) watch(runID string, run client.WorkflowRun) {
	var report pipeline.TerminalReport
	outcome := pipeline.OutcomeAborted
	if err := run.Get(context.Background(), &report); err != nil {
		d.logger().Error("workflow failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		outcome = report.Outcome
	}

	next, err := d.Store.Finish(runID, outcome)
	if err != nil {
		d.logger().Error("finishing run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if next != nil {
		if err := d.start(context.Background(), *next); err != nil {
			d.logger().Error("starting promoted run", zap.String("run_id", next.RunID), zap.Error(err))
			_, _ = d.Store.Finish(next.RunID, pipeline.OutcomeAborted)
		}
	}
}

// Decide delivers a human approval decision to a running workflow.
func (d *Dispatcher) Decide(ctx context.Context, runID string, sig ApprovalSignal) error {
	entry, ok := d.Store.Get(runID)
	if !ok {
		return runstore.ErrUnknownRun
	}
	return d.Temporal.SignalWorkflow(ctx, entry.WorkflowID, "", SignalApprovalDecision, sig)
}

// CancelRun cancels a run. Queued runs are withdrawn from the branch queue;
// running ones receive the cancel signal and decide for themselves whether
// cancellation is still possible.
func (d *Dispatcher) CancelRun(ctx context.Context, runID, cause string) error {
	entry, ok := d.Store.Get(runID)
	if !ok {
		return runstore.ErrUnknownRun
	}
	if entry.Phase == runstore.PhaseQueued {
		return d.Store.Withdraw(runID)
	}
	return d.Temporal.SignalWorkflow(ctx, entry.WorkflowID, "", SignalCancelRun, CancelSignal{Cause: cause})
}

// Status queries the live pipeline snapshot of a run.
func (d *Dispatcher) Status(ctx context.Context, runID string) (pipeline.Snapshot, error) {
	entry, ok := d.Store.Get(runID)
	if !ok {
		return pipeline.Snapshot{}, runstore.ErrUnknownRun
	}
	value, err := d.Temporal.QueryWorkflow(ctx, entry.WorkflowID, "", QueryRunStatus)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	var snap pipeline.Snapshot
	if err := value.Get(&snap); err != nil {
		return pipeline.Snapshot{}, err
	}
	return snap, nil
}

// Runs lists all registered runs.
func (d *Dispatcher) Runs() []runstore.Entry {
	return d.Store.List()
}

// Run returns the registry entry for one run.
func (d *Dispatcher) Run(runID string) (runstore.Entry, bool) {
	return d.Store.Get(runID)
}

func workflowID(runID string) string {
	return "pipeline-" + runID
}
