package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/orchestrator"
	"github.com/websitelm/alternatively-gateway/internal/session"
	"github.com/websitelm/alternatively-gateway/internal/store"
)

var recordHeartbeat = activity.RecordHeartbeat

type SessionStarter interface {
	Create(ctx context.Context, creds session.Credentials, firstTimeUser bool) (*session.Session, error)
}

type BatchActivities struct {
	sessions     SessionStarter
	store        store.Store
	creds        session.Credentials
	logger       *zap.Logger
	pollInterval time.Duration
}

func NewBatchActivities(sessions SessionStarter, st store.Store, creds session.Credentials, logger *zap.Logger) *BatchActivities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchActivities{
		sessions:     sessions,
		store:        st,
		creds:        creds,
		logger:       logger,
		pollInterval: 30 * time.Second,
	}
}

type GenerateInput struct {
	BatchID string
	URL     string
}

type GenerateOutput struct {
	SessionID string
	WebsiteID string
	State     string
	Pages     []string
	Error     string
}

type MarkBatchInput struct {
	BatchID   string
	Status    store.BatchStatus
	Completed int
	Failed    int
	Error     string
}

func settled(status orchestrator.Status) bool {
	switch status.State {
	case orchestrator.KindFinished, orchestrator.KindFatalError, orchestrator.KindAborted:
		return true
	}
	return status.Disconnected
}

// GenerateForURL drives a first-time-user session for one product URL until the task
// finishes, fails or the activity is cancelled.
func (a *BatchActivities) GenerateForURL(ctx context.Context, input GenerateInput) (GenerateOutput, error) {
	if a.creds.AccessToken == "" {
		return GenerateOutput{}, errors.New("batch worker has no access token configured")
	}
	sess, err := a.sessions.Create(ctx, a.creds, true)
	if err != nil {
		return GenerateOutput{}, fmt.Errorf("create session: %w", err)
	}
	defer sess.Close()

	logger := a.logger.With(zap.String("batch_id", input.BatchID), zap.String("session_id", sess.ID()), zap.String("url", input.URL))
	out := GenerateOutput{SessionID: sess.ID()}
	if err := sess.Submit(ctx, input.URL); err != nil {
		return out, fmt.Errorf("submit %s: %w", input.URL, err)
	}

	var status orchestrator.Status
	for {
		waitCtx, cancel := context.WithTimeout(ctx, a.pollInterval)
		status, err = sess.WaitFor(waitCtx, settled)
		cancel()
		out.WebsiteID = status.WebsiteID
		out.State = string(status.State)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			abortCtx, abortCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if abortErr := sess.Abort(abortCtx); abortErr != nil {
				logger.Warn("abort after cancellation failed", zap.Error(abortErr))
			}
			abortCancel()
			return out, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		recordHeartbeat(ctx, out.State, status.Finished)
	}

	for _, tab := range sess.Snapshot().View.Tabs {
		out.Pages = append(out.Pages, tab.URL)
	}
	switch {
	case status.State == orchestrator.KindFinished:
		logger.Info("batch url finished", zap.Int("pages", len(out.Pages)))
	case status.Modal != nil:
		out.Error = status.Modal.Message
	case status.Disconnected:
		out.Error = "event stream disconnected"
	default:
		out.Error = fmt.Sprintf("task ended in state %s", status.State)
	}
	return out, nil
}

// MarkBatch records batch progress. A batch cancelled through the API stays cancelled.
func (a *BatchActivities) MarkBatch(ctx context.Context, input MarkBatchInput) error {
	batch, err := a.store.GetBatch(ctx, input.BatchID)
	if err != nil {
		return err
	}
	if batch == nil {
		batch = &store.Batch{ID: input.BatchID}
	}
	if batch.Status == store.BatchCancelled && input.Status != store.BatchCancelled {
		return nil
	}
	batch.Status = input.Status
	batch.Completed = input.Completed
	batch.Failed = input.Failed
	batch.Error = input.Error
	return a.store.UpsertBatch(ctx, *batch)
}
