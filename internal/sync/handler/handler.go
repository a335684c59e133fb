package handler

import (
	"errors"
	"net/http"
	"time"

	"betlink-server/internal/apierrors"
	"betlink-server/internal/observability"
	"betlink-server/internal/sync/scheduler"
	syncService "betlink-server/internal/sync/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	scheduler *scheduler.Scheduler
	logger    *observability.Logger
}

func New(scheduler *scheduler.Scheduler, logger *observability.Logger) Handler {
	return Handler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// HandleTestConnection handles POST /api/admin/houses/:id/test-connection
func (h *Handler) HandleTestConnection(c *gin.Context) {
	ctx := c.Request.Context()

	houseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid house id"})
		return
	}

	ok, message := h.scheduler.TestHouseConnection(ctx, houseID)
	c.JSON(http.StatusOK, gin.H{"success": ok, "message": message})
}

// ManualSyncRequest is the optional body for a manual sync, overriding the
// start of the sync window.
type ManualSyncRequest struct {
	DateFrom string `json:"date_from" binding:"omitempty,datetime=2006-01-02"`
}

// HandleManualSync handles POST /api/admin/houses/:id/sync
func (h *Handler) HandleManualSync(c *gin.Context) {
	ctx := c.Request.Context()

	houseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid house id"})
		return
	}

	var req ManualSyncRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.ValidationError(c, err)
			return
		}
	}
	var dateFrom *time.Time
	if req.DateFrom != "" {
		parsed, _ := time.Parse("2006-01-02", req.DateFrom)
		dateFrom = &parsed
	}

	result, err := h.scheduler.ManualSync(ctx, houseID, dateFrom)
	if err != nil {
		switch {
		case errors.Is(err, syncService.ErrHouseNotFound):
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "house not found"})
		case errors.Is(err, syncService.ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"success": false, "message": "sync already in progress"})
		case errors.Is(err, syncService.ErrNotAPIIntegrated):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "house is not API-integrated"})
		default:
			h.logger.Error(ctx, "manual sync failed", err)
			c.JSON(http.StatusOK, gin.H{
				"success": false,
				"message": err.Error(),
				"data":    result,
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "sync completed",
		"data":    result,
	})
}

// HandleUpdateSchedule handles POST /api/admin/houses/:id/schedule, re-reading
// the house configuration and rescheduling or removing its timer.
func (h *Handler) HandleUpdateSchedule(c *gin.Context) {
	ctx := c.Request.Context()

	houseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid house id"})
		return
	}

	if err := h.scheduler.UpdateHouseSchedule(ctx, houseID); err != nil {
		h.logger.Error(ctx, "failed to update house schedule", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to update schedule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"scheduled": h.scheduler.IsScheduled(houseID),
	})
}
