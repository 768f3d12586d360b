package reconcile

import (
	"net/http"

	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1/campaigns/:id/reconciliation")
	g.GET("", h.reconcile)
	g.GET("/history", h.history)
}

func (h *Handler) reconcile(c *gin.Context) {
	r, err := h.svc.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": NewView(r)})
}

func (h *Handler) history(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}

	rows, info, err := h.svc.History(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	views := make([]View, 0, len(rows))
	for _, r := range rows {
		views = append(views, NewView(r))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reports": views, "page_info": info})
}
