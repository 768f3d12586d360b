package ledger

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
	r.GET("/v1/campaigns/:id/ledger", h.list)
	r.GET("/v1/campaigns/:id/ledger/verify", h.verify)
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

	entries := make([]gin.H, 0, len(rows))
	for _, e := range rows {
		entries = append(entries, gin.H{
			"id":            e.ID,
			"sequence":      e.Sequence,
			"type":          e.Type,
			"amount":        e.AmountDecimal(),
			"reference_id":  e.ReferenceID,
			"description":   e.Description,
			"previous_hash": e.PreviousHash,
			"hash":          e.Hash,
			"created_at":    e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entries": entries, "page_info": info})
}

func (h *Handler) verify(c *gin.Context) {
	res, err := h.svc.VerifyChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}
