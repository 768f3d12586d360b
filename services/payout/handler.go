package payout

import (
	"net/http"

	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/services/transaction"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1/campaigns/:id/payouts")
	g.GET("", h.list)
	g.POST("", h.execute)
	g.GET("/preview", h.preview)
}

type executeRequest struct {
	Recipients []string `json:"recipients"`
}

func (h *Handler) execute(c *gin.Context) {
	var req executeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.ValidationFailed("invalid request body", err))
			return
		}
	}

	res, err := h.svc.Execute(c.Request.Context(), c.Param("id"), req.Recipients)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success":     true,
		"total":       res.Batch.Total,
		"transaction": transaction.NewView(res.Transaction),
		"payouts":     res.Payouts,
	})
}

func (h *Handler) preview(c *gin.Context) {
	batch, err := h.svc.Build(c.Request.Context(), c.Param("id"), c.QueryArray("recipient"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "batch": batch})
}

func (h *Handler) list(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}

	rows, info, err := h.svc.List(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "payouts": rows, "page_info": info})
}
