package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/services/transaction"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Worker executes due retries and runs the sweep that catches anything the
// delayed tasks missed.
type Worker struct {
	manager  *transaction.Manager
	interval time.Duration
	batch    int
	now      func() time.Time
}

type WorkerParams struct {
	fx.In

	Manager *transaction.Manager
	Config  *config.Config
}

func NewWorker(p WorkerParams) *Worker {
	batch := p.Config.Retry.SweepBatch
	if batch <= 0 {
		batch = 100
	}
	return &Worker{
		manager:  p.Manager,
		interval: p.Config.Retry.SweepInterval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleRetryTask runs one scheduled retry. Tasks that no longer match the
// record, because a sweep or operator got there first, are dropped.
func (w *Worker) HandleRetryTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode retry payload: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := w.manager.Get(ctx, p.TransactionID)
	if err != nil {
		if errutil.From(err).Code == errutil.StatusNotFound {
			return fmt.Errorf("transaction %s: %w", p.TransactionID, asynq.SkipRetry)
		}
		return err
	}
	if rec.Status != transaction.StatusFailed || rec.RetryCount != p.RetryCount {
		zap.L().Debug("stale retry task dropped",
			zap.String("transaction_id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Int("retry_count", rec.RetryCount),
			zap.Int("task_retry_count", p.RetryCount),
		)
		return nil
	}

	if _, err := w.manager.Retry(ctx, rec.ID); err != nil {
		if errutil.HasReason(err, errutil.ReasonInvalidTransition) {
			return nil
		}
		return err
	}
	return nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Retried    int
	Abandoned  int
	Reattached int
}

// Sweep retries failed records whose delayed task was lost, resubmits or
// abandons pending records that never got a handle, and re-attaches
// monitoring to submitted records nobody is watching.
func (w *Worker) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	staleBefore := w.now().Add(-w.interval)
	store := w.manager.Store()

	failed, err := store.ListByStatus(ctx, []transaction.Status{transaction.StatusFailed}, &staleBefore, nil, w.batch)
	if err != nil {
		return res, err
	}
	for _, rec := range failed {
		if !rec.RetriesLeft() {
			continue
		}
		if _, err := w.manager.Retry(ctx, rec.ID); err != nil {
			if !errutil.HasReason(err, errutil.ReasonInvalidTransition) {
				zap.L().Warn("sweep retry failed", zap.String("transaction_id", rec.ID), zap.Error(err))
			}
			continue
		}
		res.Retried++
	}

	noHandle := false
	pending, err := store.ListByStatus(ctx, []transaction.Status{transaction.StatusPending}, &staleBefore, &noHandle, w.batch)
	if err != nil {
		return res, err
	}
	for _, rec := range pending {
		if !rec.RetriesLeft() {
			if err := w.manager.AbandonStale(ctx, rec.ID); err != nil {
				zap.L().Warn("sweep abandon failed", zap.String("transaction_id", rec.ID), zap.Error(err))
				continue
			}
			res.Abandoned++
			continue
		}
		claimed, err := w.manager.RetryStale(ctx, rec.ID, staleBefore)
		if err != nil {
			zap.L().Warn("sweep stale retry failed", zap.String("transaction_id", rec.ID), zap.Error(err))
			continue
		}
		if claimed != nil {
			res.Retried++
		}
	}

	withHandle := true
	submitted, err := store.ListByStatus(ctx, []transaction.Status{transaction.StatusPending, transaction.StatusSubmitted}, nil, &withHandle, w.batch)
	if err != nil {
		return res, err
	}
	for _, rec := range submitted {
		if w.manager.IsWatching(rec) {
			continue
		}
		if w.manager.Watch(rec) {
			res.Reattached++
		}
	}

	return res, nil
}

func (w *Worker) sweepJob(ctx context.Context) error {
	res, err := w.Sweep(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("retry sweep finished",
		zap.Int("retried", res.Retried),
		zap.Int("abandoned", res.Abandoned),
		zap.Int("reattached", res.Reattached),
	)
	return nil
}
