package ledger

import (
	"adpayout-engine/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	db.Model(&Entry{}),
	fx.Provide(NewService, NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
