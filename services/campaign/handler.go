package campaign

import (
	"net/http"
	"time"

	"adpayout-engine/pkg/errutil"
	"adpayout-engine/services/transaction"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1/campaigns")
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/deposits", h.deposit)
}

type createRequest struct {
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Status           CampaignStatus   `json:"status"`
	Budget           decimal.Decimal  `json:"budget"`
	StartAt          *time.Time       `json:"start_at"`
	EndAt            *time.Time       `json:"end_at"`
	ImpressionReward decimal.Decimal  `json:"impression_reward"`
	ClickReward      decimal.Decimal  `json:"click_reward"`
	ConversionReward decimal.Decimal  `json:"conversion_reward"`
	UserShare        *decimal.Decimal `json:"user_share"`
	PublisherShare   *decimal.Decimal `json:"publisher_share"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	cmp, err := h.svc.Create(c.Request.Context(), CreateParams(req))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "campaign": h.svc.View(cmp)})
}

func (h *Handler) get(c *gin.Context) {
	cmp, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "campaign": h.svc.View(cmp)})
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	rec, err := h.svc.Deposit(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "transaction": transaction.NewView(rec)})
}
