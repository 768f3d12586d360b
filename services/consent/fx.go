package consent

import (
	"adpayout-engine/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("consent",
	db.Model(&ConsentRecord{}),
	fx.Provide(NewService, NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
