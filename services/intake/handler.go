package intake

import (
	"net/http"

	"adpayout-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// pixel is a 1x1 transparent GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/v1/events", h.record)
	r.POST("/v1/events", h.record)
}

// record accepts an event from query parameters, a JSON body or a form.
// GET with format=pixel answers with a tracking image on success.
func (h *Handler) record(c *gin.Context) {
	var e Event
	if err := c.ShouldBindQuery(&e); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		if err := c.ShouldBind(&e); err != nil {
			_ = c.Error(errutil.ValidationFailed("invalid request body", err))
			return
		}
	}
	e.UserAgent = c.Request.UserAgent()
	e.IP = c.ClientIP()

	res, err := h.svc.Record(c.Request.Context(), e)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if c.Request.Method == http.MethodGet && c.Query("format") == "pixel" {
		c.Header("Cache-Control", "no-store, no-cache, must-revalidate")
		c.Data(http.StatusOK, "image/gif", pixel)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"eventId":      res.EventID,
		"rewardAmount": res.RewardAmount,
		"duplicate":    res.Duplicate,
	})
}
