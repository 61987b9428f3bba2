// Package workflow runs batch reconciliation as a durable Temporal workflow:
// the batch is one activity and confidence scoring of each matched ticket is
// another, so a worker restart resumes where it left off.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/recon"
)

// Engine is the part of the reconciliation engine the activities call.
type Engine interface {
	ReconcileBatch(ctx context.Context, sel model.BatchSelector, tol model.Tolerances) (*model.BatchResult, error)
	RetryDue(ctx context.Context, limit int) (*model.BatchResult, error)
	ScoreConfidence(ctx context.Context, ticketID string) (map[string]model.FieldScore, error)
}

// BatchInput selects a batch and says whether matched tickets get scored.
type BatchInput struct {
	Selector   model.BatchSelector `json:"selector"`
	Tolerances model.Tolerances    `json:"tolerances"`
	Score      bool                `json:"score"`
}

// BatchOutput summarizes a workflow run.
type BatchOutput struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Scored    int    `json:"scored"`
	Anomalies int    `json:"anomalies"`
}

// Activities binds the engine to Temporal activities.
type Activities struct {
	Engine Engine
}

// ReconcileBatch runs one batch.
func (a *Activities) ReconcileBatch(ctx context.Context, in BatchInput) (*model.BatchResult, error) {
	res, err := a.Engine.ReconcileBatch(ctx, in.Selector, in.Tolerances)
	return res, activityError(err)
}

// RetryDue re-runs tickets whose retry is due.
func (a *Activities) RetryDue(ctx context.Context, limit int) (*model.BatchResult, error) {
	res, err := a.Engine.RetryDue(ctx, limit)
	return res, activityError(err)
}

// ScoreTicket scores one ticket and returns how many fields raised an anomaly.
func (a *Activities) ScoreTicket(ctx context.Context, ticketID string) (int, error) {
	scores, err := a.Engine.ScoreConfidence(ctx, ticketID)
	if err != nil {
		return 0, activityError(err)
	}
	n := 0
	for _, s := range scores {
		if s.Anomaly != nil {
			n++
		}
	}
	return n, nil
}

// activityError marks errors that another attempt cannot fix as non-retryable.
func activityError(err error) error {
	if err == nil {
		return nil
	}
	switch kind := recon.Kind(err); kind {
	case recon.KindInput, recon.KindConfig, recon.KindNotFound:
		return temporal.NewNonRetryableApplicationError(err.Error(), kind, err)
	}
	if errors.Is(err, context.Canceled) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "canceled", err)
	}
	return err
}

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    3,
		},
	}
}

// ReconcileBatchWorkflow reconciles a batch and then scores every ticket it
// matched. A scoring failure is logged and counted out; it never fails the
// workflow.
func ReconcileBatchWorkflow(ctx workflow.Context, in BatchInput) (*BatchOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	log := workflow.GetLogger(ctx)

	var a *Activities
	var res model.BatchResult
	if err := workflow.ExecuteActivity(ctx, a.ReconcileBatch, in).Get(ctx, &res); err != nil {
		return nil, err
	}
	out := &BatchOutput{
		RunID:     res.RunID,
		Processed: res.Processed,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
	}
	if !in.Score {
		return out, nil
	}

	var futures []workflow.Future
	var ids []string
	for _, r := range res.Results {
		if r.ErrorKind != "" || !r.Matched {
			continue
		}
		futures = append(futures, workflow.ExecuteActivity(ctx, a.ScoreTicket, r.TicketID))
		ids = append(ids, r.TicketID)
	}
	for i, f := range futures {
		var n int
		if err := f.Get(ctx, &n); err != nil {
			log.Warn("score ticket failed", "ticket_id", ids[i], "error", err)
			continue
		}
		out.Scored++
		out.Anomalies += n
	}
	return out, nil
}

// RetryWorkflow runs one pass over due retries.
func RetryWorkflow(ctx workflow.Context, limit int) (*BatchOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())

	var a *Activities
	var res model.BatchResult
	if err := workflow.ExecuteActivity(ctx, a.RetryDue, limit).Get(ctx, &res); err != nil {
		return nil, err
	}
	return &BatchOutput{
		RunID:     res.RunID,
		Processed: res.Processed,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
	}, nil
}

// NewWorker registers the workflows and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ReconcileBatchWorkflow)
	w.RegisterWorkflow(RetryWorkflow)
	w.RegisterActivity(acts)
	return w
}

// StartBatch starts a ReconcileBatchWorkflow and returns its handle.
func StartBatch(ctx context.Context, c client.Client, taskQueue string, in BatchInput) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "recon-batch-" + uuid.NewString(),
		TaskQueue: taskQueue,
	}, ReconcileBatchWorkflow, in)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: start batch")
	}
	return run, nil
}
