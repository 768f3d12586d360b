package retry

import (
	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/redis"
	"adpayout-engine/pkg/rediskey"
	"adpayout-engine/pkg/task"
	"adpayout-engine/pkg/taskname"
	"adpayout-engine/services/transaction"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("retry",
	fx.Provide(
		fx.Annotate(NewScheduler, fx.As(new(transaction.RetryScheduler))),
		NewWorker,
	),
	fx.Invoke(
		registerHandlers,
		startSweep,
	),
)

func registerHandlers(mux *asynq.ServeMux, w *Worker) {
	mux.HandleFunc(taskname.TransactionRetry, w.HandleRetryTask)
}

type sweepParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Worker    *Worker
	Locker    redis.Locker `optional:"true"`
}

func startSweep(p sweepParams) {
	task.NewPeriodic("retry-sweep", p.Config.Retry.SweepInterval, p.Locker, rediskey.RetrySweepLock, p.Worker.sweepJob).
		Start(p.Lifecycle)
}
