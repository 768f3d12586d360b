package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/task"
	"adpayout-engine/pkg/taskname"
	"adpayout-engine/services/transaction"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Payload is the body of a transaction:retry task.
type Payload struct {
	TransactionID string `json:"transaction_id"`
	RetryCount    int    `json:"retry_count"`
}

// Scheduler enqueues delayed retry tasks. The task id is unique per record
// and attempt, so scheduling the same attempt twice enqueues one task.
type Scheduler struct {
	enqueuer task.Enqueuer
	base     time.Duration
}

type SchedulerParams struct {
	fx.In

	Enqueuer task.Enqueuer
	Config   *config.Config
}

func NewScheduler(p SchedulerParams) *Scheduler {
	base := p.Config.Retry.BaseDelay
	if base <= 0 {
		base = 30 * time.Second
	}
	return &Scheduler{enqueuer: p.Enqueuer, base: base}
}

func TaskID(transactionID string, retryCount int) string {
	return fmt.Sprintf("retry:%s:%d", transactionID, retryCount)
}

func (s *Scheduler) Schedule(ctx context.Context, rec *transaction.Record) error {
	if !rec.RetriesLeft() {
		return nil
	}

	body, err := json.Marshal(Payload{TransactionID: rec.ID, RetryCount: rec.RetryCount})
	if err != nil {
		return err
	}

	delay := Backoff(s.base, rec.RetryCount)
	if _, err := s.enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.TransactionRetry, body),
		asynq.ProcessIn(delay),
		asynq.TaskID(TaskID(rec.ID, rec.RetryCount)),
		asynq.Queue("critical"),
		asynq.MaxRetry(5),
	); err != nil {
		return err
	}

	zap.L().Info("retry scheduled",
		zap.String("transaction_id", rec.ID),
		zap.Int("retry_count", rec.RetryCount),
		zap.Duration("delay", delay),
	)
	return nil
}
