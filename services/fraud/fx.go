package fraud

import (
	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db"
	"adpayout-engine/pkg/redis"
	"adpayout-engine/pkg/rediskey"
	"adpayout-engine/pkg/task"

	"go.uber.org/fx"
)

var Module = fx.Module("fraud",
	db.Model(&Session{}),
	fx.Provide(NewService),
	fx.Invoke(startCleanup),
)

type cleanupParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Service   *Service
	Locker    redis.Locker `optional:"true"`
}

func startCleanup(p cleanupParams) {
	task.NewPeriodic("fraud-cleanup", p.Config.Fraud.SweepInterval, p.Locker, rediskey.FraudCleanupLock, p.Service.cleanupJob).
		Start(p.Lifecycle)
}
