package payout

import (
	"adpayout-engine/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("payout",
	db.Model(&RewardEntry{}),
	db.Model(&Payout{}),
	fx.Provide(NewService, NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
