package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"betlink-server/internal/commission"
	"betlink-server/internal/observability"
	"betlink-server/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HouseStore defines the database operations required by the house admin
// endpoints. These are thin reads over data the ingestion core populates.
type HouseStore interface {
	GetHouseByID(ctx context.Context, houseID uuid.UUID) (store.BettingHouse, error)
	GetPostbackLogsByHouseIdentifier(ctx context.Context, identifier string, limit int) ([]store.PostbackLog, error)
	GetConversionsByHouse(ctx context.Context, houseID uuid.UUID, limit int) ([]store.Conversion, error)
}

type Handler struct {
	store   HouseStore
	logger  *observability.Logger
	baseURL string
}

func New(store HouseStore, logger *observability.Logger, baseURL string) Handler {
	return Handler{
		store:   store,
		logger:  logger,
		baseURL: baseURL,
	}
}

// HandleGetPostbackLogs handles GET /api/admin/houses/:id/logs
func (h *Handler) HandleGetPostbackLogs(c *gin.Context) {
	ctx := c.Request.Context()

	house, ok := h.resolveHouse(c)
	if !ok {
		return
	}

	limit := h.limit(c)
	logs, err := h.store.GetPostbackLogsByHouseIdentifier(ctx, house.Identifier, limit)
	if err != nil {
		h.logger.Error(ctx, "failed to list postback logs", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		return
	}
	if logs == nil {
		logs = []store.PostbackLog{}
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// HandleGetConversions handles GET /api/admin/houses/:id/conversions
func (h *Handler) HandleGetConversions(c *gin.Context) {
	ctx := c.Request.Context()

	house, ok := h.resolveHouse(c)
	if !ok {
		return
	}

	limit := h.limit(c)
	conversions, err := h.store.GetConversionsByHouse(ctx, house.ID, limit)
	if err != nil {
		h.logger.Error(ctx, "failed to list conversions", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversions"})
		return
	}
	if conversions == nil {
		conversions = []store.Conversion{}
	}

	c.JSON(http.StatusOK, gin.H{"conversions": conversions})
}

// HandleGetPostbackURL handles GET /api/admin/houses/:id/postback-url,
// rendering the example postback URL administrators hand to the house,
// along with any commission configuration problems worth fixing first.
func (h *Handler) HandleGetPostbackURL(c *gin.Context) {
	house, ok := h.resolveHouse(c)
	if !ok {
		return
	}

	exampleURL := fmt.Sprintf("%s/webhook/%s/deposit?subid={subid}&amount={amount}&customer_id={customer_id}",
		h.baseURL, house.Identifier)
	if house.SecurityToken != nil && *house.SecurityToken != "" {
		exampleURL += "&token=" + *house.SecurityToken
	}

	resp := gin.H{
		"url":    exampleURL,
		"events": []store.EventType{store.EventTypeClick, store.EventTypeRegistration, store.EventTypeDeposit, store.EventTypeFirstDeposit, store.EventTypeRevenue, store.EventTypeProfit, store.EventTypePayout, store.EventTypeChargeback},
	}
	if problems := commission.ValidateHouseConfig(house); len(problems) > 0 {
		resp["config_warnings"] = problems
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) resolveHouse(c *gin.Context) (store.BettingHouse, bool) {
	ctx := c.Request.Context()

	houseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid house id"})
		return store.BettingHouse{}, false
	}

	house, err := h.store.GetHouseByID(ctx, houseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "house not found"})
			return store.BettingHouse{}, false
		}
		h.logger.Error(ctx, "failed to get house", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get house"})
		return store.BettingHouse{}, false
	}
	return house, true
}

func (h *Handler) limit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return limit
}
