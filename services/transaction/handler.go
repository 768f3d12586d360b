package transaction

import (
	"net/http"
	"strconv"
	"time"

	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// View is the API shape of a record.
type View struct {
	ID               string          `json:"id"`
	Code             string          `json:"code,omitempty"`
	Type             Type            `json:"type"`
	Status           Status          `json:"status"`
	SettlementHandle string          `json:"settlement_handle,omitempty"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	Exhausted        bool            `json:"exhausted"`
	LastError        string          `json:"last_error,omitempty"`
	BlockRef         string          `json:"block_ref,omitempty"`
	FeeUsed          decimal.Decimal `json:"fee_used"`
	Payload          Payload         `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
}

func NewView(r *Record) View {
	v := View{
		ID:               r.ID,
		Code:             r.Code,
		Type:             r.Type,
		Status:           r.Status,
		SettlementHandle: r.Handle(),
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		Exhausted:        r.Status == StatusFailed && !r.RetriesLeft(),
		LastError:        r.LastError,
		BlockRef:         r.BlockRef,
		FeeUsed:          r.Fee(),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ConfirmedAt:      r.ConfirmedAt,
	}
	if p, err := r.Decode(); err == nil {
		v.Payload = p
	}
	return v
}

type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1/transactions")
	g.GET("/failed", h.listFailed)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
}

func (h *Handler) get(c *gin.Context) {
	rec, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transaction": NewView(rec)})
}

func (h *Handler) listFailed(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}
	exhausted, _ := strconv.ParseBool(c.Query("exhausted"))

	rows, info, err := h.manager.ListFailed(c.Request.Context(), p, exhausted)
	if err != nil {
		_ = c.Error(err)
		return
	}

	views := make([]View, 0, len(rows))
	for _, r := range rows {
		views = append(views, NewView(r))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transactions": views, "page_info": info})
}

func (h *Handler) cancel(c *gin.Context) {
	rec, err := h.manager.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transaction": NewView(rec)})
}
