package handler

import (
	"errors"
	"net/http"

	"betlink-server/internal/observability"
	"betlink-server/internal/postback/processor"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	processor processor.PostbackProcessor
	logger    *observability.Logger
}

func New(processor processor.PostbackProcessor, logger *observability.Logger) Handler {
	return Handler{
		processor: processor,
		logger:    logger,
	}
}

// postbackResponse is the wire shape returned to house systems. It must
// stay bit-compatible with existing integrations.
type postbackResponse struct {
	Success    bool    `json:"success"`
	Commission float64 `json:"commission"`
	Type       string  `json:"type"`
	Affiliate  string  `json:"affiliate"`
	House      string  `json:"house"`
	Event      string  `json:"event"`
	LogID      int64   `json:"logId"`
	Duplicate  bool    `json:"duplicate,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type postbackError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	LogID   int64  `json:"logId,omitempty"`
}

// HandlePostback handles GET|POST /webhook/:house/:event postbacks from
// betting-house systems. Parameters arrive as query or form values.
func (h *Handler) HandlePostback(c *gin.Context) {
	ctx := c.Request.Context()

	req := processor.Request{
		HouseIdentifier: c.Param("house"),
		EventType:       c.Param("event"),
		Subid:           h.param(c, "subid"),
		Amount:          h.param(c, "amount"),
		CustomerID:      h.param(c, "customer_id"),
		Token:           h.param(c, "token"),
		IPAddress:       c.ClientIP(),
		RawRequest:      c.Request.Method + " " + c.Request.URL.RequestURI(),
	}

	resp, err := h.processor.Process(ctx, req)
	if err != nil {
		h.respondError(c, resp.LogID, err)
		return
	}

	commission, _ := resp.Commission.Round(2).Float64()
	c.JSON(http.StatusOK, postbackResponse{
		Success:    true,
		Commission: commission,
		Type:       string(resp.Type),
		Affiliate:  resp.Affiliate,
		House:      resp.House,
		Event:      resp.Event,
		LogID:      resp.LogID,
		Duplicate:  resp.Duplicate,
		Reason:     resp.Reason,
	})
}

// param reads a parameter from the query string or, for POST postbacks,
// the form body.
func (h *Handler) param(c *gin.Context, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.PostForm(name)
}

func (h *Handler) respondError(c *gin.Context, logID int64, err error) {
	ctx := c.Request.Context()

	switch {
	case errors.Is(err, processor.ErrValidation):
		c.JSON(http.StatusBadRequest, postbackError{Error: err.Error(), LogID: logID})
	case errors.Is(err, processor.ErrInvalidToken):
		c.JSON(http.StatusForbidden, postbackError{Error: "invalid security token", LogID: logID})
	case errors.Is(err, processor.ErrHouseNotFound):
		c.JSON(http.StatusNotFound, postbackError{Error: "house not found", LogID: logID})
	case errors.Is(err, processor.ErrAffiliateNotFound):
		c.JSON(http.StatusNotFound, postbackError{Error: "affiliate not found", LogID: logID})
	default:
		// Internal details go to server logs only, never to the caller.
		h.logger.Error(ctx, "postback processing failed", err)
		c.JSON(http.StatusInternalServerError, postbackError{Error: "internal error", LogID: logID})
	}
}
