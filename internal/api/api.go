package api

import (
	"net/http"

	housesHandler "betlink-server/internal/houses/handler"
	postbackHandler "betlink-server/internal/postback/handler"
	syncHandler "betlink-server/internal/sync/handler"

	"github.com/gin-gonic/gin"
)

type API struct {
	router          *gin.RouterGroup
	postbackHandler postbackHandler.Handler
	syncHandler     syncHandler.Handler
	housesHandler   housesHandler.Handler
}

func New(router *gin.RouterGroup, postbackHandler postbackHandler.Handler, syncHandler syncHandler.Handler, housesHandler housesHandler.Handler) API {
	return API{
		router:          router,
		postbackHandler: postbackHandler,
		syncHandler:     syncHandler,
		housesHandler:   housesHandler,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()

	// Inbound postbacks from betting-house systems. The wire contract must
	// stay bit-compatible with existing integrations.
	a.router.GET("/webhook/:house/:event", a.postbackHandler.HandlePostback)
	a.router.POST("/webhook/:house/:event", a.postbackHandler.HandlePostback)

	adminGroup := a.router.Group("/api/admin")
	{
		adminGroup.POST("/houses/:id/test-connection", a.syncHandler.HandleTestConnection)
		adminGroup.POST("/houses/:id/sync", a.syncHandler.HandleManualSync)
		adminGroup.POST("/houses/:id/schedule", a.syncHandler.HandleUpdateSchedule)
		adminGroup.GET("/houses/:id/logs", a.housesHandler.HandleGetPostbackLogs)
		adminGroup.GET("/houses/:id/conversions", a.housesHandler.HandleGetConversions)
		adminGroup.GET("/houses/:id/postback-url", a.housesHandler.HandleGetPostbackURL)
	}
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
}
