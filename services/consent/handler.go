package consent

import (
	"net/http"

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
	g := r.Group("/v1/consents")
	g.POST("", h.record)
	g.GET("/verify", h.verify)
}

type consentRequest struct {
	SubjectID  string `json:"subject_id" form:"subject_id"`
	Scope      string `json:"scope" form:"scope"`
	CampaignID string `json:"campaign_id" form:"campaign_id"`
}

func (h *Handler) record(c *gin.Context) {
	var req consentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	rec, err := h.svc.Record(c.Request.Context(), req.SubjectID, req.Scope, req.CampaignID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "transaction": transaction.NewView(rec)})
}

func (h *Handler) verify(c *gin.Context) {
	var req consentRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}

	ok, source, err := h.svc.Verify(c.Request.Context(), req.SubjectID, req.Scope, req.CampaignID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "verified": ok, "source": source})
}
