// Package temporalengine is an optional durable worker-pool backend for
// internal/action: instead of an in-process goroutine pool, each action
// runs as a Temporal workflow so retries, backoff, and crash recovery are
// delegated to the Temporal server. internal/service does not construct
// this Engine; the daemon always runs internal/action's own in-process
// Engine.
//
// Grounded directly on
// runtime/agent/engine/temporal/workflow_context.go's adapter shape:
// a thin wrapper around go.temporal.io/sdk/workflow and
// go.temporal.io/sdk/temporal that normalizes cancellation, and on
// runtime/agent/engine.RetryPolicy for the shape of its retry settings.
// Values from internal/action.RetryPolicy are not carried over.
package temporalengine

import (
	"context"
	"encoding/json"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/arw-hub/agenthub/internal/action"
)

// TaskQueue is the Temporal task queue ARW registers its action workflow
// and activity on.
const TaskQueue = "arw-actions"

// Engine dispatches actions as Temporal workflows.
type Engine struct {
	client     client.Client
	dispatcher action.Dispatcher
}

// New constructs an Engine bound to an existing Temporal client and the
// same Dispatcher the in-process engine would use to actually run tools.
func New(c client.Client, dispatcher action.Dispatcher) *Engine {
	return &Engine{client: c, dispatcher: dispatcher}
}

// RegisterWorker registers the action workflow/activity on w.
func (e *Engine) RegisterWorker(w worker.Worker) {
	w.RegisterWorkflow(ActionWorkflow)
	w.RegisterActivity(e.dispatchActivity)
}

// Submit starts a Temporal workflow for a (the in-process Engine has
// already admitted it through policy/schema/idempotency) and returns its
// workflow run id, which callers store as the action's execution handle.
func (e *Engine) Submit(ctx context.Context, a action.Action) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:        "action-" + a.ActionID,
		TaskQueue: TaskQueue,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, ActionWorkflow, a)
	if err != nil {
		return "", err
	}
	return run.GetRunID(), nil
}

// ActionWorkflow is the Temporal workflow definition: one activity
// execution per action, retried by Temporal up to 5 attempts. Each attempt
// is bounded by the action's wall budget, or 10 minutes when it has none.
func ActionWorkflow(ctx workflow.Context, a action.Action) (json.RawMessage, error) {
	retry := &temporal.RetryPolicy{
		MaximumAttempts: int32(5),
	}
	wallBudget := time.Duration(a.Budget.WallMS) * time.Millisecond
	if wallBudget <= 0 {
		wallBudget = 10 * time.Minute
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: wallBudget,
		RetryPolicy:         retry,
	}
	actCtx := workflow.WithActivityOptions(ctx, ao)

	var out json.RawMessage
	err := workflow.ExecuteActivity(actCtx, "dispatchActivity", a).Get(actCtx, &out)
	return out, err
}

func (e *Engine) dispatchActivity(ctx context.Context, a action.Action) (json.RawMessage, error) {
	return e.dispatcher.Dispatch(ctx, a)
}
