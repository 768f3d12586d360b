package campaign

import (
	"adpayout-engine/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("campaign",
	db.Model(&Campaign{}),
	fx.Provide(NewService, NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
