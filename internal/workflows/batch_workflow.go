package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/websitelm/alternatively-gateway/internal/store"
)

const (
	GenerateActivityName  = "GenerateForURL"
	MarkBatchActivityName = "MarkBatch"

	defaultParallelism = 2
)

type BatchInput struct {
	BatchID     string
	URLs        []string
	Parallelism int
}

type BatchResult struct {
	Status    string
	Completed int
	Failed    int
	Pages     []string
}

// BatchWorkflow runs one headless first-time-user session per product URL, at most
// Parallelism at a time, and keeps the batch row in the store up to date.
func BatchWorkflow(ctx workflow.Context, input BatchInput) (BatchResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 45 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	logger := workflow.GetLogger(ctx)

	result := BatchResult{}
	lastError := ""
	mark := func(status store.BatchStatus) {
		markCtx := ctx
		if ctx.Err() != nil {
			markCtx, _ = workflow.NewDisconnectedContext(ctx)
		}
		err := workflow.ExecuteActivity(markCtx, MarkBatchActivityName, MarkBatchInput{
			BatchID:   input.BatchID,
			Status:    status,
			Completed: result.Completed,
			Failed:    result.Failed,
			Error:     lastError,
		}).Get(markCtx, nil)
		if err != nil {
			logger.Error("failed to persist batch status", "batch_id", input.BatchID, "status", string(status), "error", err)
		}
	}

	mark(store.BatchRunning)

	parallelism := input.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	selector := workflow.NewSelector(ctx)
	pending, next := 0, 0
	for {
		for pending < parallelism && next < len(input.URLs) && ctx.Err() == nil {
			url := input.URLs[next]
			next++
			pending++
			future := workflow.ExecuteActivity(ctx, GenerateActivityName, GenerateInput{BatchID: input.BatchID, URL: url})
			selector.AddFuture(future, func(f workflow.Future) {
				pending--
				var out GenerateOutput
				if err := f.Get(ctx, &out); err != nil {
					logger.Warn("generation activity failed", "url", url, "error", err)
					result.Failed++
					lastError = url + ": " + err.Error()
					return
				}
				if out.Error != "" {
					result.Failed++
					lastError = url + ": " + out.Error
					return
				}
				result.Completed++
				result.Pages = append(result.Pages, out.Pages...)
			})
		}
		if pending == 0 {
			break
		}
		selector.Select(ctx)
		if ctx.Err() == nil {
			mark(store.BatchRunning)
		}
	}

	if ctx.Err() != nil {
		result.Status = string(store.BatchCancelled)
		mark(store.BatchCancelled)
		return result, nil
	}

	status := store.BatchCompleted
	if result.Completed == 0 && result.Failed > 0 {
		status = store.BatchFailed
	}
	result.Status = string(status)
	mark(status)
	return result, nil
}
