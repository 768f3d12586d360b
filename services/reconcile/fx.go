package reconcile

import (
	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db"
	"adpayout-engine/pkg/redis"
	"adpayout-engine/pkg/rediskey"
	"adpayout-engine/pkg/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	db.Model(&Report{}),
	fx.Provide(NewService, NewHandler),
	fx.Invoke(
		func(r *gin.Engine, h *Handler) { h.Register(r) },
		startReconciler,
	),
)

type reconcilerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Service   *Service
	Locker    redis.Locker `optional:"true"`
}

func startReconciler(p reconcilerParams) {
	task.NewPeriodic("reconcile", p.Config.Reconcile.Interval, p.Locker, rediskey.ReconcileLock, p.Service.reconcileJob).
		Start(p.Lifecycle)
}
